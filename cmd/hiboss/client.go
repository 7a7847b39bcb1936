package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/gateway"
)

func (g *globalOpts) dataDir() string {
	if g.dir != "" {
		return g.dir
	}
	return config.DataDir()
}

func (g *globalOpts) credential() string {
	if g.token != "" {
		return g.token
	}
	return config.ClientToken()
}

// rpc performs one call against the local daemon. In JSON mode the raw
// result is printed as-is and done is true; otherwise the result is
// decoded into view (when non-nil) for the caller to render.
func (g *globalOpts) rpc(cmd *cobra.Command, method string, params map[string]any, view any) (done bool, err error) {
	cl, err := gateway.Dial(config.SocketPath(g.dataDir()))
	if err != nil {
		return false, classify(err)
	}
	defer cl.Close()

	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["token"]; !ok {
		if tok := g.credential(); tok != "" {
			params["token"] = tok
		}
	}

	var raw json.RawMessage
	if err := cl.Call(cmd.Context(), method, params, &raw); err != nil {
		return false, classify(err)
	}
	if g.asJSON {
		return true, classify(writeJSON(cmd.OutOrStdout(), raw))
	}
	if view != nil {
		if err := json.Unmarshal(raw, view); err != nil {
			return false, classify(fmt.Errorf("decode %s response: %w", method, err))
		}
	}
	return false, nil
}
