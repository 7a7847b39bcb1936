package main

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/gateway"
)

// fakeDaemon answers the CLI's JSON-RPC calls with canned results so command
// tests can assert parameter construction and rendering without a real
// daemon behind the socket.
type fakeDaemon struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	results map[string]any
	errs    map[string]*gateway.Error
	calls   []fakeCall
}

type fakeCall struct {
	method string
	params map[string]any
}

func startFakeDaemon(t *testing.T, dir string) *fakeDaemon {
	t.Helper()
	if err := os.MkdirAll(config.DaemonDir(dir), 0o700); err != nil {
		t.Fatalf("mkdir daemon dir: %v", err)
	}
	ln, err := net.Listen("unix", config.SocketPath(dir))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeDaemon{
		t:       t,
		ln:      ln,
		results: make(map[string]any),
		errs:    make(map[string]*gateway.Error),
	}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeDaemon) handle(method string, result any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = result
}

func (f *fakeDaemon) fail(method string, e *gateway.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = e
}

// lastCall returns the params of the most recent call to method.
func (f *fakeDaemon) lastCall(method string) map[string]any {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i].params
		}
	}
	f.t.Fatalf("no %s call recorded", method)
	return nil
}

func (f *fakeDaemon) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serveConn(conn)
	}
}

func (f *fakeDaemon) serveConn(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params map[string]any  `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, fakeCall{method: req.Method, params: req.Params})
		result, haveResult := f.results[req.Method]
		rpcErr, haveErr := f.errs[req.Method]
		f.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch {
		case haveErr:
			resp["error"] = rpcErr
		case haveResult:
			resp["result"] = result
		default:
			resp["error"] = &gateway.Error{Code: gateway.CodeMethodNotFound, Message: "method not found"}
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(append(out, '\n')); err != nil {
			return
		}
	}
}
