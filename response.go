package gemguard

import (
	"bytes"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

func init() {
	// .gmi/.gemini aren't in the system mime.types on most hosts; nudge
	// mime the same way the original gemeaux registers them by hand.
	mime.AddExtensionType(".gmi", "text/gemini")
	mime.AddExtensionType(".gemini", "text/gemini")
}

// defaultMediaType is used by responses that don't set an explicit mimetype.
const defaultMediaType = "text/gemini; charset=utf-8"

// Response is an immutable, serializable Gemini response. Every concrete
// response type caches its wire-format serialization after the first call
// to Bytes, so repeated length queries and writes observe identical bytes.
type Response interface {
	// Status returns the response's two-digit status code.
	Status() Status

	// Bytes returns the full wire-format serialization of the response:
	// the header line ("<status> <meta>\r\n") followed by the body, if
	// any.
	Bytes() []byte
}

// lazyBytes computes and caches a response's serialized form exactly once,
// regardless of how many goroutines call Bytes concurrently.
type lazyBytes struct {
	once sync.Once
	data []byte
}

func (l *lazyBytes) get(compute func() []byte) []byte {
	l.once.Do(func() { l.data = compute() })
	return l.data
}

// header serializes a status + meta header line, with no body.
func header(status Status, meta string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%02d %s", status, meta)
	buf.Write(crlf)
	return buf.Bytes()
}

// metaResponse is the shared representation for every response kind whose
// body is empty and whose meta line carries the entire payload: Input,
// SensitiveInput, Redirect, PermanentRedirect, SlowDown, PermanentFailure,
// NotFound, ProxyRequestRefused, and BadRequest all reduce to this.
type metaResponse struct {
	status Status
	meta   string
	lazyBytes
}

func (r *metaResponse) Status() Status { return r.status }
func (r *metaResponse) Bytes() []byte {
	return r.get(func() []byte { return header(r.status, r.meta) })
}

// NewInputResponse returns a status-10 response prompting the client for input.
func NewInputResponse(prompt string) Response {
	return &metaResponse{status: StatusInput, meta: prompt}
}

// NewSensitiveInputResponse returns a status-11 response prompting the
// client for input that should not be echoed (e.g. a password).
func NewSensitiveInputResponse(prompt string) Response {
	return &metaResponse{status: StatusSensitiveInput, meta: prompt}
}

// NewRedirectResponse returns a status-30 temporary redirect to target.
func NewRedirectResponse(target string) Response {
	return &metaResponse{status: StatusRedirect, meta: target}
}

// NewPermanentRedirectResponse returns a status-31 permanent redirect to target.
func NewPermanentRedirectResponse(target string) Response {
	return &metaResponse{status: StatusPermanentRedirect, meta: target}
}

// NewSlowDownResponse returns a status-44 response asking the client to
// retry after the given number of seconds.
func NewSlowDownResponse(seconds int) Response {
	return &metaResponse{status: StatusSlowDown, meta: strconv.Itoa(seconds)}
}

// NewPermanentFailureResponse returns a status-50 response. An empty
// reason defaults to "Permanent failure".
func NewPermanentFailureResponse(reason string) Response {
	if reason == "" {
		reason = "Permanent failure"
	}
	return &metaResponse{status: StatusPermanentFailure, meta: reason}
}

// NewNotFoundResponse returns a status-51 response. An empty reason
// defaults to "Not found".
func NewNotFoundResponse(reason string) Response {
	if reason == "" {
		reason = "Not found"
	}
	return &metaResponse{status: StatusNotFound, meta: reason}
}

// NewProxyRequestRefusedResponse returns a fixed status-53 response.
func NewProxyRequestRefusedResponse() Response {
	return &metaResponse{status: StatusProxyRequestRefused, meta: "Proxy request refused"}
}

// NewBadRequestResponse returns a fixed status-59 response.
func NewBadRequestResponse() Response {
	return &metaResponse{status: StatusBadRequest, meta: "Bad request"}
}

// successResponse is the shared representation for every status-20
// response that carries a body: Text, Document, DirectoryListing, and
// Template. The body and mimetype are computed once at construction time;
// only the final wire serialization (and its CRLF normalization) is
// deferred to the first Bytes call.
type successResponse struct {
	mimetype string
	body     []byte
	lazyBytes
}

func (r *successResponse) Status() Status { return StatusSuccess }

func (r *successResponse) Bytes() []byte {
	return r.get(func() []byte { return buildSuccess(r.mimetype, r.body) })
}

func buildSuccess(mimetype string, body []byte) []byte {
	if mimetype == "" {
		mimetype = defaultMediaType
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%02d %s", StatusSuccess, mimetype)
	buf.Write(crlf)
	if len(body) > 0 {
		buf.Write(body)
	}
	out := buf.Bytes()
	if strings.HasPrefix(mimetype, "text/") {
		out = normalizeCRLF(out)
	}
	return out
}

// normalizeCRLF splits data on any of CR, LF, or CRLF and rejoins it with
// CRLF, so that text responses always use the Gemini line terminator
// regardless of how the source content was authored.
func normalizeCRLF(data []byte) []byte {
	var buf bytes.Buffer
	start := 0
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			buf.Write(data[start:i])
			buf.Write(crlf)
			start = i + 1
		case '\r':
			buf.Write(data[start:i])
			buf.Write(crlf)
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(data) {
		buf.Write(data[start:])
		buf.Write(crlf)
	}
	return buf.Bytes()
}

// NewTextResponse returns a status-20 response with the default
// "text/gemini; charset=utf-8" mimetype and the given inline body.
func NewTextResponse(body string) Response {
	return &successResponse{mimetype: defaultMediaType, body: []byte(body)}
}

// NewTextResponseWithType returns a status-20 response with an explicit
// mimetype and inline body.
func NewTextResponseWithType(mimetype, body string) Response {
	return &successResponse{mimetype: mimetype, body: []byte(body)}
}

// encodingExtensions maps a handful of content-encoding suffixes to their
// encoding name, mirroring Python's mimetypes.encodings_map. A file named
// "report.txt.gz" is reported as "text/plain; charset=gzip", a quirk
// carried forward verbatim from the original guess_mimetype.
var encodingExtensions = map[string]string{
	".gz":  "gzip",
	".bz2": "bzip2",
	".Z":   "compress",
	".xz":  "xz",
}

// guessMimetype guesses the mimetype of a file from its extension,
// defaulting to "application/octet-stream" when unknown.
func guessMimetype(name string) string {
	ext := filepath.Ext(name)
	if encoding, ok := encodingExtensions[ext]; ok {
		inner := strings.TrimSuffix(name, ext)
		mimetype := stripParams(mime.TypeByExtension(filepath.Ext(inner)))
		if mimetype == "" {
			mimetype = "application/octet-stream"
		}
		return fmt.Sprintf("%s; charset=%s", mimetype, encoding)
	}
	mimetype := mime.TypeByExtension(ext)
	if mimetype == "" {
		return "application/octet-stream"
	}
	return mimetype
}

// stripParams removes any "; key=value" parameters from a mimetype string.
func stripParams(mimetype string) string {
	if i := strings.IndexByte(mimetype, ';'); i != -1 {
		return strings.TrimSpace(mimetype[:i])
	}
	return mimetype
}

// NewDocumentResponse reads fullPath and returns a status-20 response
// whose mimetype is guessed from the file extension. fullPath must lie
// within root (after resolving to an absolute path), or ErrForbiddenPath
// is returned, guarding against path traversal outside the served root.
func NewDocumentResponse(fullPath, root string) (Response, error) {
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if !withinRoot(absRoot, absPath) {
		return nil, ErrForbiddenPath
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	return &successResponse{mimetype: guessMimetype(absPath), body: data}, nil
}

// withinRoot reports whether path is equal to or a descendant of root.
func withinRoot(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// NewDirectoryListingResponse reads the directory at fullPath (once, at
// construction time) and returns a status-20 response synthesizing a
// gemtext directory listing. fullPath must lie within root; relPath is
// the request path the client used to reach this directory, used to
// compose the "=> relpath/entry" link lines — it is not a filesystem
// path. Entries are listed in the filename order fs.ReadDir returns.
func NewDirectoryListingResponse(fsys fs.FS, fullPath, root, relPath string) (Response, error) {
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if !withinRoot(absRoot, absPath) {
		return nil, ErrForbiddenPath
	}

	entries, err := fs.ReadDir(fsys, fsPath(root, fullPath))
	if err != nil {
		return nil, err
	}

	relPath = strings.TrimSuffix(relPath, "/")
	listing := Text{LineHeading1(fmt.Sprintf("Directory listing for %s", relPath)), LineText("")}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		listing = append(listing, LineLink{URL: relPath + "/" + name})
	}

	return &successResponse{mimetype: defaultMediaType, body: []byte(listing.String())}, nil
}

// fsPath converts an absolute filesystem path known to be under root into
// the fs.FS-relative "slash path" fs.ReadDir expects.
func fsPath(root, fullPath string) string {
	rel, err := filepath.Rel(root, fullPath)
	if err != nil || rel == "." {
		return "."
	}
	return filepath.ToSlash(rel)
}

// TemplateError reports that a template substitution referenced a context
// key that was not supplied. NewTemplateResponse returns it to its caller;
// the connection worker never sees it and does not translate it into a
// response, so a Handler that uses templates builds its own Response
// (for example a status-50 one) from the error.
type TemplateError struct {
	Key string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("gemguard: template: missing key %q", e.Key)
}

// NewTemplateResponse reads templatePath once and substitutes $name and
// ${name} placeholders from context, following the semantics of Python's
// string.Template.substitute (the original gemeaux TemplateResponse).
// Go's text/template uses an incompatible {{ }} delimiter syntax, so this
// uses os.Expand, which implements the same $name/${name} grammar; a
// referenced key absent from context returns a *TemplateError instead of
// silently substituting the empty string.
func NewTemplateResponse(templatePath string, context map[string]string) (Response, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, err
	}

	var missingKey string
	var missing bool
	body := os.Expand(string(data), func(key string) string {
		if v, ok := context[key]; ok {
			return v
		}
		if !missing {
			missing = true
			missingKey = key
		}
		return ""
	})
	if missing {
		return nil, &TemplateError{Key: missingKey}
	}

	return &successResponse{mimetype: defaultMediaType, body: []byte(body)}, nil
}
