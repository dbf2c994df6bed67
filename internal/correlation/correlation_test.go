package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  cycle-1  "); !ok || got != "cycle-1" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	for _, bad := range []string{"", "   ", strings.Repeat("a", MaxIDLength+1), "bad\x01id", "has space"} {
		if _, ok := Normalize(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestWithAndEnsure(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected empty context to carry no id")
	}
	if ID(With(ctx, "bad\x02")) != "" {
		t.Fatal("expected invalid id to be ignored")
	}
	ctx = With(ctx, "abc")
	if got, id := Ensure(ctx); id != "abc" || ID(got) != "abc" {
		t.Fatalf("ensure replaced existing id: %q", id)
	}
	fresh, id := Ensure(context.Background())
	if id == "" || ID(fresh) != id {
		t.Fatalf("expected generated id, got %q", id)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	ctx := With(context.Background(), "cycle-42")
	out := httptest.NewRequest("POST", "/upload", nil)
	Inject(ctx, out)
	if out.Header.Get(Header) != "cycle-42" {
		t.Fatalf("header not injected: %v", out.Header)
	}
	_, id := FromRequest(out)
	if id != "cycle-42" {
		t.Fatalf("expected peer id adopted, got %q", id)
	}
	_, generated := FromRequest(httptest.NewRequest("POST", "/upload", nil))
	if generated == "" || generated == "cycle-42" {
		t.Fatalf("expected generated id, got %q", generated)
	}
}
