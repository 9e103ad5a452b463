package gemguard

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func markerHandler(name string) Handler {
	return HandlerFunc(func(context.Context, string, *Request) Response {
		return NewTextResponse(name)
	})
}

func TestRouterLongestPrefixMatch(t *testing.T) {
	rt := &Router{}
	rt.Handle("/a", markerHandler("a"))
	rt.Handle("/b/", markerHandler("b"))
	rt.Handle("/b/c/d", markerHandler("bcd"))

	tests := []struct {
		path   string
		prefix string
		ok     bool
	}{
		{"/a", "/a", true},
		{"/a/extra", "/a", true},
		{"/b/", "/b/", true},
		{"/b/c", "/b/", true},
		{"/b/c/d", "/b/c/d", true},
		{"/b/c/d/e", "/b/c/d", true},
		{"/other", "", false},
	}

	for _, tt := range tests {
		prefix, _, ok := rt.Route(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		if tt.ok {
			assert.Equal(t, tt.prefix, prefix, tt.path)
		}
	}
}

func TestRouterCatchAll(t *testing.T) {
	rt := &Router{}
	rt.Handle("", markerHandler("root"))
	rt.Handle("/static/", markerHandler("static"))

	_, h, ok := rt.Route("/anything")
	require.True(t, ok)
	resp := h.Handle(context.Background(), "", &Request{URL: mustParseURL(t, "gemini://example.com/anything")})
	assert.Equal(t, "20 text/gemini; charset=utf-8\r\nroot\r\n", string(resp.Bytes()))

	prefix, h, ok := rt.Route("/static/file.gmi")
	require.True(t, ok)
	assert.Equal(t, "/static/", prefix)
	resp = h.Handle(context.Background(), prefix, &Request{})
	assert.Equal(t, "20 text/gemini; charset=utf-8\r\nstatic\r\n", string(resp.Bytes()))
}

func TestRouterNoMatchNoCatchAll(t *testing.T) {
	rt := &Router{}
	rt.Handle("/a", markerHandler("a"))

	_, _, ok := rt.Route("/b")
	assert.False(t, ok)
}

func TestRouterServeGeminiFallsBackToNotFound(t *testing.T) {
	rt := &Router{}
	rt.Handle("/a", markerHandler("a"))

	req := &Request{URL: mustParseURL(t, "gemini://example.com/missing")}
	resp := rt.ServeGemini(context.Background(), req)
	assert.Equal(t, StatusNotFound, resp.Status())
}

func TestRouterDuplicateRegistrationPanics(t *testing.T) {
	rt := &Router{}
	rt.Handle("/a", markerHandler("a"))
	assert.Panics(t, func() { rt.Handle("/a", markerHandler("a2")) })
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
