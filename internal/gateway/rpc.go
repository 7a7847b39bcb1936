package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/policy"
	"github.com/hiboss/hi-boss/internal/router"
)

// JSON-RPC error codes. The negative-32xxx block follows the JSON-RPC 2.0
// reservations; the -320xx block is ours.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeUnauthorized   = -32001
	CodeNotFound       = -32002
	CodeAlreadyExists  = -32003
	CodeDeliveryFailed = -32010
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the wire error. Data carries structured detail for the cases
// the CLI acts on: ambiguous id prefixes and delivery classifications.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}

// InvalidParamsError rejects one request parameter with a reason.
type InvalidParamsError struct {
	Field  string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalidParams(field, reason string) error {
	return &InvalidParamsError{Field: field, Reason: reason}
}

// toRPCError maps the typed errors the core packages return onto wire
// codes. Anything unclassified is an internal error.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var invalid *InvalidParamsError
	if errors.As(err, &invalid) {
		return &Error{Code: CodeInvalidParams, Message: invalid.Error()}
	}
	var authErr *policy.AuthError
	if errors.As(err, &authErr) {
		return &Error{Code: CodeUnauthorized, Message: authErr.Reason}
	}
	var ambiguous *persistence.AmbiguousPrefixError
	if errors.As(err, &ambiguous) {
		return &Error{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("%s not found", ambiguous.Entity),
			Data: map[string]any{
				"kind":       "ambiguous-id-prefix",
				"prefix":     ambiguous.Prefix,
				"matchCount": ambiguous.MatchCount,
				"candidates": ambiguous.Candidates,
			},
		}
	}
	var delivery *router.DeliveryError
	if errors.As(err, &delivery) {
		data := map[string]any{
			"reason":     delivery.Kind,
			"envelopeId": delivery.EnvelopeID,
		}
		if delivery.Detail != "" {
			data["detail"] = delivery.Detail
		}
		if delivery.Hint != "" {
			data["hint"] = delivery.Hint
		}
		return &Error{Code: CodeDeliveryFailed, Message: delivery.Error(), Data: data}
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: err.Error()}
	}
	if errors.Is(err, persistence.ErrConflict) {
		return &Error{Code: CodeAlreadyExists, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// decodeID accepts string, number and null request ids.
func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	if id == nil {
		return nil, false
	}
	return id, true
}
