package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type sample struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

func (s *sample) Validate() error {
	if s.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "weave")
	path := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, path, "name: ${SAMPLE_NAME}\nlimit: 3\n")

	var s sample
	if err := Load(path, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "weave" || s.Limit != 3 {
		t.Errorf("loaded %+v", s)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, path, "limit: -1\n")

	var s sample
	err := Load(path, &s)
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()

	s := sample{Name: "default"}
	found, err := LoadOptional(filepath.Join(dir, "missing.yaml"), &s)
	if err != nil || found {
		t.Fatalf("missing file: found = %v err = %v", found, err)
	}
	if s.Name != "default" {
		t.Errorf("name = %q", s.Name)
	}

	s.Limit = -1
	if _, err := LoadOptional(filepath.Join(dir, "missing.yaml"), &s); err == nil {
		t.Error("defaults are still validated")
	}

	path := filepath.Join(dir, "c.yaml")
	writeFile(t, path, "name: file\n")
	s = sample{Name: "default"}
	found, err = LoadOptional(path, &s)
	if err != nil || !found || s.Name != "file" {
		t.Errorf("found = %v err = %v name = %q", found, err, s.Name)
	}
}

func TestExpandDefaults(t *testing.T) {
	t.Setenv("SAMPLE_SET", "x")
	t.Setenv("SAMPLE_EMPTY", "")
	cases := map[string]string{
		"${SAMPLE_SET}":             "x",
		"${SAMPLE_SET:-y}":          "x",
		"${SAMPLE_EMPTY:-y}":        "y",
		"${SAMPLE_UNSET_XYZ:-8080}": "8080",
		"${SAMPLE_UNSET_XYZ}":       "",
		"$SAMPLE_SET/path":          "x/path",
	}
	for in, want := range cases {
		if got := Expand(in); got != want {
			t.Errorf("Expand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatchReportsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	writeFile(t, path, "name: a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 8)
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, logger, func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register, then write until it notices.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	seen := false
	for !seen {
		select {
		case <-changed:
			seen = true
		case <-tick.C:
			writeFile(t, path, "name: b\n")
		case <-deadline:
			t.Fatal("no change reported")
		}
	}

	// Writes to other files in the directory are ignored.
	time.Sleep(200 * time.Millisecond)
	for len(changed) > 0 {
		<-changed
	}
	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	select {
	case <-changed:
		t.Error("change reported for another file")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
