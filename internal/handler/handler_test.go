package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atom-ide/atomd/internal/wire"
)

func TestOpenSaveClose_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.txt")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := NewDefault([]string{dir})
	ctx := context.Background()

	id, err := h.OpenBuffer(ctx, path)
	if err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	if id == "" {
		t.Fatal("OpenBuffer returned empty id")
	}

	if err := h.SaveBuffer(ctx, id, []byte("hello")); err != nil {
		t.Fatalf("SaveBuffer: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("disk contents = %q, want %q", got, "hello")
	}

	if err := h.CloseBuffer(ctx, id); err != nil {
		t.Fatalf("CloseBuffer: %v", err)
	}
	// Closing again (unknown id now) is a no-op success.
	if err := h.CloseBuffer(ctx, id); err != nil {
		t.Errorf("CloseBuffer on closed id = %v, want nil", err)
	}
}

func TestOpenBuffer_UnreadablePathIsInvalidArgument(t *testing.T) {
	h := NewDefault(nil)
	_, err := h.OpenBuffer(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != wire.ErrInvalidArgument {
		t.Fatalf("OpenBuffer error = %v, want InvalidArgument", err)
	}
}

func TestSaveBuffer_UnknownIDIsNotFound(t *testing.T) {
	h := NewDefault(nil)
	err := h.SaveBuffer(context.Background(), "nonexistent", []byte("x"))
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != wire.ErrNotFound {
		t.Fatalf("SaveBuffer error = %v, want NotFound", err)
	}
}

func TestSaveBuffer_OutsidePermittedRootIsPermissionDenied(t *testing.T) {
	allowedDir := t.TempDir()
	forbiddenDir := t.TempDir()
	path := filepath.Join(forbiddenDir, "t.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := NewDefault([]string{allowedDir})
	ctx := context.Background()
	id, err := h.OpenBuffer(ctx, path)
	if err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}

	err = h.SaveBuffer(ctx, id, []byte("y"))
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != wire.ErrPermissionDenied {
		t.Fatalf("SaveBuffer error = %v, want PermissionDenied", err)
	}
}

func TestWorkspaceRoot_SetByFirstOpenBufferOnly(t *testing.T) {
	firstDir := t.TempDir()
	secondDir := t.TempDir()
	firstPath := filepath.Join(firstDir, "a.txt")
	secondPath := filepath.Join(secondDir, "b.txt")
	if err := os.WriteFile(firstPath, []byte("alpha\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(secondPath, []byte("alpha\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := NewDefault(nil)
	ctx := context.Background()
	if _, err := h.OpenBuffer(ctx, firstPath); err != nil {
		t.Fatalf("OpenBuffer(first): %v", err)
	}
	if _, err := h.OpenBuffer(ctx, secondPath); err != nil {
		t.Fatalf("OpenBuffer(second): %v", err)
	}

	items, _, err := h.Search(ctx, "", "alpha", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, item := range items {
		if !strings.HasPrefix(item.Path, firstDir) {
			t.Fatalf("Search with no root used %q, want it confined to the first OpenBuffer's dir %q", item.Path, firstDir)
		}
	}
}

func TestSearch_FindsMatchesAndRespectsMaxResults(t *testing.T) {
	dir := t.TempDir()
	for i, contents := range []string{"alpha\nbeta\n", "gamma\nalpha again\n", "no match here\n"} {
		name := filepath.Join(dir, "f"+string(rune('0'+i))+".txt")
		if err := os.WriteFile(name, []byte(contents), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	h := NewDefault(nil)
	items, truncated, err := h.Search(context.Background(), dir, "alpha", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if truncated {
		t.Error("truncated = true, want false (maxResults 0 = unbounded)")
	}

	items, truncated, err = h.Search(context.Background(), dir, "alpha", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if !truncated {
		t.Error("truncated = false, want true")
	}
}

func TestSearch_RespectsCancellation(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 200; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i%26))+string(rune('0'+i/26))+".txt")
		if err := os.WriteFile(name, []byte("needle\n"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	h := NewDefault(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := h.Search(ctx, dir, "needle", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Search error = %v, want context.Canceled", err)
	}
}

func TestSearch_EmptyPatternIsInvalidArgument(t *testing.T) {
	h := NewDefault(nil)
	_, _, err := h.Search(context.Background(), t.TempDir(), "", 0)
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != wire.ErrInvalidArgument {
		t.Fatalf("Search error = %v, want InvalidArgument", err)
	}
}
