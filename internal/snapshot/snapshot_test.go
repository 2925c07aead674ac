package snapshot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testFile(t *testing.T) *File {
	t.Helper()
	f, err := NewFile(filepath.Join(t.TempDir(), "notes.perthro"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	return f
}

func TestReplaceIsAtomic(t *testing.T) {
	f := testFile(t)

	tmp := f.TempPath()
	if err := os.WriteFile(tmp, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Replace(tmp); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !f.Exists() {
		t.Fatal("snapshot should exist after replace")
	}
	data, err := os.ReadFile(f.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v1" {
		t.Errorf("contents = %q", data)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("temp file should be gone after replace")
	}
}

func TestScopesRunAndRelease(t *testing.T) {
	f := testFile(t)

	ran := false
	if err := f.WithWriteScope(func(path string) error {
		ran = true
		return os.WriteFile(path, []byte("x"), 0o644)
	}); err != nil {
		t.Fatalf("WithWriteScope: %v", err)
	}
	if !ran {
		t.Fatal("scope body did not run")
	}

	// The lock must be released afterwards: a second scope acquires
	// immediately.
	done := make(chan error, 1)
	go func() {
		done <- f.WithReadScope(func(string) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read scope after write scope: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read scope blocked; write lock leaked")
	}
}

func TestConflictVersions(t *testing.T) {
	f := testFile(t)

	if err := os.WriteFile(f.ConflictPath("deviceB"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.ConflictPath("deviceC"), []byte("c"), 0o644); err != nil {
		t.Fatal(err)
	}

	versions, err := f.ConflictVersions()
	if err != nil {
		t.Fatalf("ConflictVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("found %d conflict versions, want 2", len(versions))
	}

	for _, v := range versions {
		if err := f.RemoveConflict(v); err != nil {
			t.Fatalf("RemoveConflict: %v", err)
		}
	}
	versions, _ = f.ConflictVersions()
	if len(versions) != 0 {
		t.Errorf("conflicts remain after removal: %v", versions)
	}
}

func TestWatchFiresOnExternalWrite(t *testing.T) {
	f := testFile(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go func() {
		_ = f.Watch(ctx, 50*time.Millisecond, logger, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(f.Path(), []byte("external"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report external write")
	}
}
