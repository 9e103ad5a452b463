package gemguard

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StaticHandler serves files from a root directory: strip the matched
// prefix, join to the root, reject paths that escape the root, prefer an
// index file for directories, fall back to a directory listing if
// enabled, and otherwise serve the file or fail not-found.
type StaticHandler struct {
	// FS is the filesystem to serve from, e.g. os.DirFS(Root).
	FS fs.FS

	// Root is the filesystem path FS is rooted at. It is used only for
	// the absolute-path containment check; all reads go through FS.
	Root string

	// Index is the file served for a directory request, default
	// "index.gmi".
	Index string

	// DirectoryListing enables synthesizing a directory listing when no
	// index file is present. Disabled (not-found) by default.
	DirectoryListing bool
}

// NewStaticHandler returns a StaticHandler rooted at root, using
// os.DirFS(root) as its filesystem.
func NewStaticHandler(root string) *StaticHandler {
	return &StaticHandler{Root: root, FS: os.DirFS(root)}
}

func (h *StaticHandler) index() string {
	if h.Index == "" {
		return "index.gmi"
	}
	return h.Index
}

// Handle implements Handler.
func (h *StaticHandler) Handle(ctx context.Context, matchedPrefix string, r *Request) Response {
	rel := strings.TrimPrefix(r.URL.Path, matchedPrefix)
	rel = strings.TrimPrefix(rel, "/")
	fullPath := filepath.Join(h.Root, filepath.FromSlash(rel))

	absRoot, err := filepath.Abs(h.Root)
	if err != nil {
		return NewNotFoundResponse("Not found")
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil || !withinRoot(absRoot, absPath) {
		return NewNotFoundResponse("Not found")
	}

	info, err := fs.Stat(h.FS, fsPath(h.Root, fullPath))
	if err != nil {
		return NewNotFoundResponse("Not found")
	}

	if !info.IsDir() {
		resp, err := NewDocumentResponse(fullPath, h.Root)
		if err != nil {
			return NewNotFoundResponse("Not found")
		}
		return resp
	}

	indexPath := filepath.Join(fullPath, h.index())
	if indexInfo, err := fs.Stat(h.FS, fsPath(h.Root, indexPath)); err == nil && !indexInfo.IsDir() {
		resp, err := NewDocumentResponse(indexPath, h.Root)
		if err == nil {
			return resp
		}
	}

	if h.DirectoryListing {
		resp, err := NewDirectoryListingResponse(h.FS, fullPath, h.Root, r.URL.Path)
		if err == nil {
			return resp
		}
	}

	return NewNotFoundResponse("Not found")
}
