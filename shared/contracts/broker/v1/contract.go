// Package v1 is the wire contract spoken between widget clients and the lumen broker.
//
// Client frames are JSON objects {"method": ..., "params": ...}. The broker answers
// with either an error frame {"error": "..."} or a data frame {"data": {...}}.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is offered during the WebSocket handshake. Clients are not required to request it.
const Subprotocol = "lumen.v1"

const (
	MethodSubscribe = "subscribe"
	MethodQuery     = "query"
	MethodAuth      = "auth"
	MethodMutate    = "mutate"
)

// Reserved query targets handled by the broker itself.
const (
	TargetSettings = "settings"
	TargetLauncher = "launcher"
)

// LauncherGet is the params value that asks the launcher target for its table.
const LauncherGet = "get"

var (
	ErrInvalidParams = errors.New("v1: invalid params")
	ErrNotObject     = errors.New("v1: request is not a JSON object")
)

// Request is one decoded client frame.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// DecodeRequest parses a client frame. Anything that is not a JSON object is rejected.
func DecodeRequest(data []byte) (Request, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return Request{}, ErrNotObject
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// TargetParams are the params of subscribe and query: a target and a free-form string.
type TargetParams struct {
	Target string
	Params string
}

// Sources splits Params on commas, dropping empty parts.
func (p TargetParams) Sources() []string {
	parts := strings.Split(p.Params, ",")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DecodeTargetParams requires an object with exactly the keys "target" and "params", both strings.
func DecodeTargetParams(raw json.RawMessage) (TargetParams, error) {
	fields, err := decodeObject(raw, 2)
	if err != nil {
		return TargetParams{}, err
	}
	var out TargetParams
	if err := decodeString(fields, "target", &out.Target); err != nil {
		return TargetParams{}, err
	}
	if err := decodeString(fields, "params", &out.Params); err != nil {
		return TargetParams{}, err
	}
	return out, nil
}

// AuthParams carries a one-time auth code.
type AuthParams struct {
	Code string
}

// DecodeAuthParams requires an object with exactly one key, "code".
func DecodeAuthParams(raw json.RawMessage) (AuthParams, error) {
	fields, err := decodeObject(raw, 1)
	if err != nil {
		return AuthParams{}, err
	}
	var out AuthParams
	if err := decodeString(fields, "code", &out.Code); err != nil {
		return AuthParams{}, err
	}
	return out, nil
}

func decodeObject(raw json.RawMessage, wantKeys int) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidParams
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrInvalidParams
	}
	if len(fields) != wantKeys {
		return nil, fmt.Errorf("%w: got %d keys want %d", ErrInvalidParams, len(fields), wantKeys)
	}
	return fields, nil
}

func decodeString(fields map[string]json.RawMessage, key string, dst *string) error {
	v, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: missing %q", ErrInvalidParams, key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%w: %q is not a string", ErrInvalidParams, key)
	}
	return nil
}

// ErrorFrame is sent for every protocol, auth and extension failure.
type ErrorFrame struct {
	Error string `json:"error"`
}

// EncodeError renders an error frame. Marshalling a string cannot fail.
func EncodeError(msg string) []byte {
	b, _ := json.Marshal(ErrorFrame{Error: msg})
	return b
}

// DataFrame wraps every payload the broker pushes to a client.
type DataFrame struct {
	Data map[string]any `json:"data"`
}

// EncodeData renders {"data": {key: value}}.
func EncodeData(key string, value any) ([]byte, error) {
	return json.Marshal(DataFrame{Data: map[string]any{key: value}})
}

// EncodeSourceData renders {"data": {code: {source: value}}}, the frame used for extension data.
func EncodeSourceData(code, source string, value any) ([]byte, error) {
	return EncodeData(code, map[string]any{source: value})
}

// IssueCodeRequest is the admin API body for POST /v1/auth-codes.
type IssueCodeRequest struct {
	Identity string `json:"identity"`
	// Access is guest, settings or admin. Empty means guest.
	Access string `json:"access"`
}

// IssueCodeResponse carries a freshly issued one-time auth code.
type IssueCodeResponse struct {
	Code      string    `json:"code"`
	Identity  string    `json:"identity"`
	Access    string    `json:"access"`
	ExpiresAt time.Time `json:"expires_at"`
}
