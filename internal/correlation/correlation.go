// Package correlation threads a capture cycle identifier from the capture
// node through the controller's upload handling, decision log and audit
// trail.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"
)

// Header carries the identifier between nodes.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 64

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier carried by ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx carrying an identifier, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return context.WithValue(ctx, contextKey{}, id), id
}

// FromRequest adopts the identifier sent by the peer, or generates one.
func FromRequest(r *http.Request) (context.Context, string) {
	ctx := r.Context()
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return context.WithValue(ctx, contextKey{}, id), id
	}
	return Ensure(ctx)
}

// Inject copies the identifier in ctx onto an outgoing request.
func Inject(ctx context.Context, req *http.Request) {
	if id := ID(ctx); id != "" {
		req.Header.Set(Header, id)
	}
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh sortable identifier.
func Generate() string {
	return xid.New().String()
}
