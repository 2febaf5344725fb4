// Package handler implements the in-process request handler interface the
// dispatcher calls into (spec §4.5). It is the only thing in this repo that
// touches buffer contents or the filesystem; the IPC core never reasons
// about buffer contents beyond passing opaque payloads.
package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/atom-ide/atomd/internal/wire"
)

// Error is a handler-side error tagged with the wire.ErrorKind the
// dispatcher should report, per spec §7.
type Error struct {
	Kind    wire.ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(kind wire.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Handler is the closed set of operations the dispatcher invokes. Every
// method must be safe for concurrent use by multiple in-flight workers; it
// never blocks the dispatcher's own I/O tasks because the dispatcher only
// ever calls it from a worker goroutine (spec §4.5: "the handler never
// blocks the dispatcher's I/O tasks").
type Handler interface {
	Ping(ctx context.Context) error
	OpenBuffer(ctx context.Context, path string) (id string, err error)
	SaveBuffer(ctx context.Context, id string, contents []byte) error
	CloseBuffer(ctx context.Context, id string) error
	Search(ctx context.Context, root, pattern string, maxResults int) (items []wire.SearchResult, truncated bool, err error)
}

// Default implements Handler in-process, grounded on the original daemon's
// BufferManager-backed request handling: buffers live in a shared map,
// mutation is serialized per manager, and a workspace root (set by the
// first OpenBuffer on this instance) is reused by a Search call that omits
// its own root. The root belongs to the Default instance, not to a
// connection: atomd builds one Default and shares it across every
// connection, so all connections see the same workspace root.
type Default struct {
	mu             sync.Mutex
	buffers        map[string]*buffer
	permittedRoots []string // empty = unrestricted

	workspaceMu   sync.Mutex
	workspaceRoot string
}

type buffer struct {
	path     string
	contents []byte
}

// NewDefault builds a handler with no buffers open and the given permitted
// save roots. An empty permittedRoots means SaveBuffer never rejects on
// PermissionDenied grounds; callers embedding this in a daemon normally
// pass at least one root.
func NewDefault(permittedRoots []string) *Default {
	return &Default{
		buffers:        make(map[string]*buffer),
		permittedRoots: permittedRoots,
	}
}

// Ping is trivial, per spec §4.5.
func (d *Default) Ping(ctx context.Context) error {
	return nil
}

// OpenBuffer validates the path is readable, loads it eagerly into a
// buffer, and returns an opaque id. Per spec §9 Open question 3, this
// chooses eager load; an unreadable or nonexistent path is
// InvalidArgument.
func (d *Default) OpenBuffer(ctx context.Context, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errf(wire.ErrInvalidArgument, "empty path")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", errf(wire.ErrInvalidArgument, "open %q: %v", path, err)
	}

	id := uuid.NewString()
	d.mu.Lock()
	d.buffers[id] = &buffer{path: path, contents: contents}
	d.mu.Unlock()

	d.setWorkspaceRootFromFile(path)
	return id, nil
}

// SaveBuffer writes contents to the path associated with id at open time.
// An unknown id is NotFound; a path outside every permitted root is
// PermissionDenied.
func (d *Default) SaveBuffer(ctx context.Context, id string, contents []byte) error {
	d.mu.Lock()
	buf, ok := d.buffers[id]
	d.mu.Unlock()
	if !ok {
		return errf(wire.ErrNotFound, "unknown buffer id %q", id)
	}

	if !d.pathPermitted(buf.path) {
		return errf(wire.ErrPermissionDenied, "path %q is outside permitted roots", buf.path)
	}

	if err := os.WriteFile(buf.path, contents, 0o644); err != nil {
		return errf(wire.ErrInternal, "save %q: %v", buf.path, err)
	}

	d.mu.Lock()
	buf.contents = contents
	d.mu.Unlock()
	return nil
}

// CloseBuffer drops the buffer. Closing an unknown id is a no-op success,
// per spec §4.5.
func (d *Default) CloseBuffer(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
	return nil
}

func (d *Default) pathPermitted(path string) bool {
	if len(d.permittedRoots) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range d.permittedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// setWorkspaceRootFromFile sets the instance's workspace root from the
// first OpenBuffer's directory; later opens don't move it.
func (d *Default) setWorkspaceRootFromFile(path string) {
	dir := filepath.Dir(path)
	d.workspaceMu.Lock()
	if d.workspaceRoot == "" {
		d.workspaceRoot = dir
	}
	d.workspaceMu.Unlock()
}

func (d *Default) resolveSearchRoot(root string) (string, error) {
	if root != "" {
		return root, nil
	}
	d.workspaceMu.Lock()
	ws := d.workspaceRoot
	d.workspaceMu.Unlock()
	if ws == "" {
		return "", errors.New("no root given and no workspace root established")
	}
	return ws, nil
}
