package pgconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadProfileAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte("min_size: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.MinSize != 2 {
		t.Errorf("min_size = %d", p.MinSize)
	}
	if p.MaxSize != 10 {
		t.Errorf("expected default max_size=10, got %d", p.MaxSize)
	}
	if p.StatementCacheSize != 100 {
		t.Errorf("expected default statement_cache_size=100, got %d", p.StatementCacheSize)
	}
}

func TestLoadProfileSubstitutesEnvVars(t *testing.T) {
	t.Setenv("PGWIRE_TEST_MAX_SIZE", "25")

	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte("max_size: ${PGWIRE_TEST_MAX_SIZE}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.MaxSize != 25 {
		t.Errorf("max_size = %d, want 25", p.MaxSize)
	}
}

func TestLoadProfileParsesDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	content := "max_inactive_connection_lifetime: 45s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.MaxInactiveConnectionLifetime != 45*time.Second {
		t.Errorf("max_inactive_connection_lifetime = %v", p.MaxInactiveConnectionLifetime)
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatchPassfileFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".pgpass")
	if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan string, 1)
	w, err := WatchPassfile(path, func(p string) { reloaded <- p }, nil)
	if err != nil {
		t.Fatalf("WatchPassfile: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("updated"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if got != path {
			t.Errorf("reload path = %q, want %q", got, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced reload callback")
	}
}
