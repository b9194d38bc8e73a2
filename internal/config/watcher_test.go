package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcher_ReloadsConfig(t *testing.T) {
	dir := t.TempDir()
	got := make(chan *Config, 4)
	errs := make(chan error, 4)

	w, err := NewWatcher(dir, WatchTargets{
		OnConfigChange: func(c *Config) { got <- c },
		OnConfigError:  func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("audit:\n  on_failure: block\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The create event may be seen before the content is written, so wait
	// for the reload that carries it.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Audit.OnFailure == "block" {
				return
			}
		case <-deadline:
			t.Fatal("no reload with the new content after writing config.yaml")
		}
	}
}

func TestWatcher_InvalidConfigReportsError(t *testing.T) {
	dir := t.TempDir()
	errs := make(chan error, 4)

	w, err := NewWatcher(dir, WatchTargets{OnConfigError: func(err error) { errs <- err }})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported for invalid config")
	}
}

func TestWatcher_CloseTwice(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), WatchTargets{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWatcher_ConcurrentClose(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), WatchTargets{})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}
	wg.Wait()
}
