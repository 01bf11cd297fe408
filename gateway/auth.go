package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// RequestInfo carries the original upgrade request's metadata into the
// upgrade gate and the authenticator.
type RequestInfo struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	RemoteAddr string
}

func requestInfo(r *http.Request) RequestInfo {
	return RequestInfo{
		Method:     r.Method,
		URL:        r.URL,
		Header:     r.Header,
		RemoteAddr: r.RemoteAddr,
	}
}

// AuthResult is the authenticator's verdict on one login frame. An accepted
// result seeds the Connection created by the connect handshake.
type AuthResult struct {
	Accepted bool
	// User is the owning identity; empty means anonymous.
	User string
	// Expiry bounds the connection's lifetime when non-zero.
	Expiry time.Time
	// Reason explains a refusal and is echoed in the reject frame.
	Reason string
}

// Authenticator is the extension point invoked once per login frame.
type Authenticator interface {
	Authenticate(ctx context.Context, info RequestInfo, credential json.RawMessage) (AuthResult, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, info RequestInfo, credential json.RawMessage) (AuthResult, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, info RequestInfo, credential json.RawMessage) (AuthResult, error) {
	return f(ctx, info, credential)
}

// AllowAll accepts every login as an anonymous user. Useful for development
// and tests.
func AllowAll() Authenticator {
	return AuthenticatorFunc(func(context.Context, RequestInfo, json.RawMessage) (AuthResult, error) {
		return AuthResult{Accepted: true}, nil
	})
}
