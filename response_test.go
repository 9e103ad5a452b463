package gemguard

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaResponses(t *testing.T) {
	tests := []struct {
		name     string
		resp     Response
		status   Status
		wireform string
	}{
		{"input", NewInputResponse("search query"), StatusInput, "10 search query\r\n"},
		{"sensitive input", NewSensitiveInputResponse("password"), StatusSensitiveInput, "11 password\r\n"},
		{"redirect", NewRedirectResponse("/new"), StatusRedirect, "30 /new\r\n"},
		{"permanent redirect", NewPermanentRedirectResponse("/new"), StatusPermanentRedirect, "31 /new\r\n"},
		{"slow down", NewSlowDownResponse(5), StatusSlowDown, "44 5\r\n"},
		{"permanent failure default", NewPermanentFailureResponse(""), StatusPermanentFailure, "50 Permanent failure\r\n"},
		{"permanent failure custom", NewPermanentFailureResponse("gone forever"), StatusPermanentFailure, "50 gone forever\r\n"},
		{"not found default", NewNotFoundResponse(""), StatusNotFound, "51 Not found\r\n"},
		{"proxy refused", NewProxyRequestRefusedResponse(), StatusProxyRequestRefused, "53 Proxy request refused\r\n"},
		{"bad request", NewBadRequestResponse(), StatusBadRequest, "59 Bad request\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.resp.Status())
			assert.Equal(t, tt.wireform, string(tt.resp.Bytes()))
		})
	}
}

func TestResponseBytesIsCached(t *testing.T) {
	resp := NewTextResponse("hello")
	first := resp.Bytes()
	second := resp.Bytes()
	require.Equal(t, first, second)
	assert.Same(t, &first[0], &second[0])
}

func TestTextResponseDefaultMediaType(t *testing.T) {
	resp := NewTextResponse("# hi\r\nwelcome")
	assert.Equal(t, StatusSuccess, resp.Status())
	assert.Equal(t, "20 text/gemini; charset=utf-8\r\n# hi\r\nwelcome\r\n", string(resp.Bytes()))
}

func TestTextResponseNormalizesLineEndings(t *testing.T) {
	resp := NewTextResponseWithType("text/plain", "a\nb\rc\r\nd")
	assert.Equal(t, "20 text/plain\r\na\r\nb\r\nc\r\nd\r\n", string(resp.Bytes()))
}

func TestBinaryResponseIsNotNormalized(t *testing.T) {
	body := []byte{0x00, '\r', 0x01, '\n', 0x02}
	resp := NewTextResponseWithType("application/octet-stream", string(body))
	got := resp.Bytes()
	require.True(t, strings.HasPrefix(string(got), "20 application/octet-stream\r\n"))
	assert.Equal(t, body, got[len("20 application/octet-stream\r\n"):])
}

func TestNewDocumentResponse(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/index.gmi", []byte("# home\r\n"), 0o644))

	resp, err := NewDocumentResponse(dir+"/index.gmi", dir)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status())
	assert.Equal(t, "20 text/gemini; charset=utf-8\r\n# home\r\n", string(resp.Bytes()))
}

func TestNewDocumentResponseRejectsTraversal(t *testing.T) {
	outside := t.TempDir()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(outside+"/secret.txt", []byte("leak"), 0o644))

	_, err := NewDocumentResponse(outside+"/secret.txt", root)
	assert.ErrorIs(t, err, ErrForbiddenPath)
}

func TestNewTemplateResponseMissingKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/tmpl.gmi", []byte("hello $name, your role is ${role}"), 0o644))

	_, err := NewTemplateResponse(dir+"/tmpl.gmi", map[string]string{"name": "ana"})
	require.Error(t, err)
	var templateErr *TemplateError
	require.ErrorAs(t, err, &templateErr)
	assert.Equal(t, "role", templateErr.Key)
}

func TestNewTemplateResponseSubstitutes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/tmpl.gmi", []byte("hello $name"), 0o644))

	resp, err := NewTemplateResponse(dir+"/tmpl.gmi", map[string]string{"name": "ana"})
	require.NoError(t, err)
	assert.Equal(t, "20 text/gemini; charset=utf-8\r\nhello ana\r\n", string(resp.Bytes()))
}

func TestGuessMimetype(t *testing.T) {
	assert.Equal(t, "text/gemini; charset=utf-8", guessMimetype("/a/b.gmi"))
	assert.Equal(t, "application/octet-stream", guessMimetype("/a/b.unknownext"))
	assert.Equal(t, "text/plain; charset=gzip", guessMimetype("/a/b.txt.gz"))
}
