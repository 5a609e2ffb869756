package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeGraphFile(t *testing.T, path, name string) {
	t.Helper()
	content := "version = 1\n\n[[filter]]\nname = \"" + name + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string, opts ...WatcherOption[*Graph]) *Watcher[*Graph] {
	t.Helper()
	opts = append([]WatcherOption[*Graph]{WithDebounce[*Graph](30 * time.Millisecond)}, opts...)
	w := NewConfigWatcher(path, LoadGraph, newTestLogger(), opts...)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("watcher.Stop failed: %v", err)
		}
	})
	return w
}

func TestConfigWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.toml")
	writeGraphFile(t, path, "testsrc")

	w := startWatcher(t, path)
	received := make(chan *Graph, 4)
	w.OnReload(func(g *Graph) { received <- g })

	writeGraphFile(t, path, "inspect")

	select {
	case g := <-received:
		if len(g.Filters) != 1 || g.Filters[0].Name != "inspect" {
			t.Errorf("got %+v, want a single inspect filter", g.Filters)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
}

func TestConfigWatcher_RenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.toml")
	writeGraphFile(t, path, "testsrc")

	w := startWatcher(t, path)
	received := make(chan *Graph, 4)
	w.OnReload(func(g *Graph) { received <- g })

	tmp := filepath.Join(dir, "graph.toml.tmp")
	writeGraphFile(t, tmp, "fout")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case g := <-received:
		if g.Filters[0].Name != "fout" {
			t.Errorf("got %q, want fout", g.Filters[0].Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload after rename")
	}
}

func TestConfigWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.toml")
	writeGraphFile(t, path, "testsrc")

	w := startWatcher(t, path)
	var calls atomic.Int32
	w.OnReload(func(*Graph) { calls.Add(1) })

	writeGraphFile(t, filepath.Join(dir, "other.toml"), "inspect")
	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("handler called %d times for an unrelated file", n)
	}
}

func TestConfigWatcher_Debounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.toml")
	writeGraphFile(t, path, "testsrc")

	w := startWatcher(t, path, WithDebounce[*Graph](100*time.Millisecond))
	var calls atomic.Int32
	w.OnReload(func(*Graph) { calls.Add(1) })

	for range 5 {
		writeGraphFile(t, path, "inspect")
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(400 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("handler called %d times, want 1", n)
	}
}

func TestConfigWatcher_Unsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.toml")
	writeGraphFile(t, path, "testsrc")

	w := startWatcher(t, path)
	var kept, removed atomic.Int32
	w.OnReload(func(*Graph) { kept.Add(1) })
	unsub := w.OnReload(func(*Graph) { removed.Add(1) })
	unsub()

	writeGraphFile(t, path, "inspect")
	deadline := time.Now().Add(2 * time.Second)
	for kept.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if kept.Load() == 0 {
		t.Fatal("remaining handler was not called")
	}
	if removed.Load() != 0 {
		t.Error("unsubscribed handler was called")
	}
}

func TestConfigWatcher_ErrorHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.toml")
	writeGraphFile(t, path, "testsrc")

	errs := make(chan error, 4)
	w := startWatcher(t, path, WithErrorHandler[*Graph](func(err error) { errs <- err }))
	var calls atomic.Int32
	w.OnReload(func(*Graph) { calls.Add(1) })

	if err := os.WriteFile(path, []byte("[[filter]]\nid = \"a\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected a load error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error")
	}
	if calls.Load() != 0 {
		t.Error("handler called with an invalid graph")
	}
}

func TestConfigWatcher_StopWithoutStart(t *testing.T) {
	w := NewConfigWatcher("graph.toml", func(string) (*Graph, error) {
		return nil, errors.New("unused")
	}, newTestLogger())
	if err := w.Stop(); err != nil {
		t.Errorf("Stop without Start: %v", err)
	}
}
