package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
	"github.com/go-i2p/tunlock/lib/validation"
)

func TestErrorText(t *testing.T) {
	if got := ErrAuthRequired().Error(); got != "authentication required (code -32001)" {
		t.Errorf("without data = %q", got)
	}
	if got := ErrMethodNotFound("tunnel.teleport").Error(); got != "method not found (code -32601): tunnel.teleport" {
		t.Errorf("with data = %q", got)
	}
}

func TestErrorCodesOnWire(t *testing.T) {
	tests := []struct {
		err  *Error
		code int
	}{
		{ErrMethodNotFound("x"), -32601},
		{ErrInvalidParams("x"), -32602},
		{ErrInternal("x"), -32603},
		{ErrAuthRequired(), -32001},
		{ErrPermissionDenied("x"), -32002},
		{ErrRateLimited(), -32004},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("%s: code %d, want %d", tt.err.Message, tt.err.Code, tt.code)
		}
	}
	if ErrCodeState != apperrors.CodeState {
		t.Errorf("state code %d diverges from lib/errors %d", ErrCodeState, apperrors.CodeState)
	}
}

func TestValidateRequest(t *testing.T) {
	tests := map[string]struct {
		line    string
		wantErr bool
	}{
		"status":          {`{"jsonrpc":"2.0","method":"status","id":1}`, false},
		"no id":           {`{"jsonrpc":"2.0","method":"version"}`, false},
		"with params":     {`{"jsonrpc":"2.0","method":"split.set","params":{"pids":[1]},"id":"a"}`, false},
		"missing version": {`{"method":"status","id":1}`, true},
		"old version":     {`{"jsonrpc":"1.0","method":"status","id":1}`, true},
		"missing method":  {`{"jsonrpc":"2.0","id":1}`, true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var req Request
			if err := json.Unmarshal([]byte(tt.line), &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if err := ValidateRequest(&req); (err != nil) != tt.wantErr {
				t.Errorf("ValidateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResponseEncoding(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want string
	}{
		{
			"success",
			NewSuccessResponse(json.RawMessage(`7`), CommandResult{Seq: 3, Message: "connecting"}),
			`{"jsonrpc":"2.0","result":{"seq":3,"message":"connecting"},"id":7}`,
		},
		{
			"error",
			NewErrorResponse(json.RawMessage(`"abc"`), ErrRateLimited()),
			`{"jsonrpc":"2.0","error":{"code":-32004,"message":"rate limit exceeded"},"id":"abc"}`,
		},
		{
			"parse error has no id",
			NewErrorResponse(nil, NewError(ErrCodeParse, "parse error", "eof")),
			`{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error","data":"eof"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.resp)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("got  %s\nwant %s", data, tt.want)
			}
		})
	}
}

func TestClientDecodesErrorResponse(t *testing.T) {
	line := `{"jsonrpc":"2.0","error":{"code":-32010,"message":"daemon is not running"},"id":2}`
	var resp wireResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeState || len(resp.Result) != 0 {
		t.Errorf("decoded = %+v", resp)
	}
	var err error = resp.Error
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Error("*Error does not satisfy error")
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", validation.NewResult("mtu", "out of range", validation.ErrOutOfRange), ErrCodeInvalidParams},
		{"invalid input", fmt.Errorf("bad: %w", apperrors.ErrInvalidInput), ErrCodeInvalidParams},
		{"not running", apperrors.ErrDaemonNotRunning, ErrCodeState},
		{"unknown", errors.New("boom"), ErrCodeInternal},
		{"rpc error passthrough", ErrRateLimited(), ErrCodeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got == nil || got.Code != tt.code {
				t.Errorf("FromError(%v) = %v, want code %d", tt.err, got, tt.code)
			}
		})
	}

	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}
}

func TestStatusResultJSON(t *testing.T) {
	in := StatusResult{
		Tunnel: tunnelstate.TunnelStateTransition{
			Seq:   4,
			State: tunnelstate.StateError,
			Cause: tunnelstate.CauseIsOffline,
		},
		BlockWhenDisconnected: true,
		Uptime:                "1m0s",
		Version:               "dev",
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out StatusResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Tunnel.State != tunnelstate.StateError || out.Tunnel.Cause != tunnelstate.CauseIsOffline || out.Tunnel.Seq != 4 {
		t.Errorf("tunnel = %+v", out.Tunnel)
	}
	if !out.BlockWhenDisconnected || out.AllowLAN {
		t.Errorf("settings = %+v", out)
	}
}

func TestConnectParamsTarget(t *testing.T) {
	if (ConnectParams{}).Target() != nil {
		t.Error("empty params should have nil target")
	}
	if (ConnectParams{MTU: 1400}).Target() != nil {
		t.Error("params without a destination should have nil target")
	}

	p := ConnectParams{
		Endpoint:      "vpn.example.net:51820",
		PeerPublicKey: "key",
		DNSServers:    []string{"10.64.0.1"},
		Keepalive:     "25s",
	}
	target := p.Target()
	if target == nil {
		t.Fatal("expected target")
	}
	if target.Endpoint != p.Endpoint || target.Keepalive != "25s" || len(target.DNSServers) != 1 {
		t.Errorf("target = %+v", target)
	}
}

func TestToggleParamsJSON(t *testing.T) {
	var p ToggleParams
	if err := json.Unmarshal([]byte(`{"enabled":false}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Enabled == nil || *p.Enabled {
		t.Errorf("Enabled = %v, want explicit false", p.Enabled)
	}
}
