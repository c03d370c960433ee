package refresolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/active-papers/goactivepapers/internal/config"
	"github.com/active-papers/goactivepapers/internal/container"
)

func fakeOpener(opened *[]string) Opener {
	return func(path string) (*container.Adapter, error) {
		*opened = append(*opened, path)
		return &container.Adapter{}, nil
	}
}

func TestSplitRef(t *testing.T) {
	scheme, label, err := splitRef("local:mypaper")
	if err != nil {
		t.Fatalf("splitRef: %v", err)
	}
	if scheme != "local" || label != "mypaper" {
		t.Fatalf("got (%q, %q)", scheme, label)
	}
}

func TestSplitRefRejectsMalformed(t *testing.T) {
	if _, _, err := splitRef("noscheme"); err == nil {
		t.Fatalf("expected error for a reference with no scheme")
	}
}

func TestResolveLocalFindsExactFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "mypaper")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var opened []string
	cfg := &config.Config{LibraryPath: []string{dir}}
	r := New(cfg, t.TempDir(), fakeOpener(&opened))

	if _, err := r.Resolve("local:mypaper"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(opened) != 1 || opened[0] != target {
		t.Fatalf("got opened=%v, want [%s]", opened, target)
	}
}

func TestResolveLocalTriesPaperExtension(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "mypaper.paper")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var opened []string
	cfg := &config.Config{LibraryPath: []string{dir}}
	r := New(cfg, t.TempDir(), fakeOpener(&opened))

	if _, err := r.Resolve("local:mypaper"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(opened) != 1 || opened[0] != target {
		t.Fatalf("got opened=%v, want [%s]", opened, target)
	}
}

func TestResolveLocalNotFound(t *testing.T) {
	var opened []string
	cfg := &config.Config{LibraryPath: []string{t.TempDir()}}
	r := New(cfg, t.TempDir(), fakeOpener(&opened))
	if _, err := r.Resolve("local:nope"); err == nil {
		t.Fatalf("expected error for a reference not found on the library path")
	}
}

func TestResolveCachesByReference(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "mypaper")
	os.WriteFile(target, []byte("x"), 0644)
	var opened []string
	cfg := &config.Config{LibraryPath: []string{dir}}
	r := New(cfg, t.TempDir(), fakeOpener(&opened))

	r.Resolve("local:mypaper")
	r.Resolve("local:mypaper")
	if len(opened) != 1 {
		t.Fatalf("expected the opener to run once across repeated resolutions, got %d calls", len(opened))
	}
}

func TestResolveUnknownScheme(t *testing.T) {
	var opened []string
	r := New(config.DefaultConfig(), t.TempDir(), fakeOpener(&opened))
	if _, err := r.Resolve("ftp:thing"); err == nil {
		t.Fatalf("expected error for an unknown scheme")
	}
}

type stubProvider struct {
	path string
}

func (s stubProvider) Fetch(doi string) (string, error) { return s.path, nil }

func TestResolveDOIUsesProviderAndCaches(t *testing.T) {
	cacheDir := t.TempDir()
	fetchedDir := t.TempDir()
	fetched := filepath.Join(fetchedDir, "fetched.paper")
	os.WriteFile(fetched, []byte("payload"), 0644)

	var opened []string
	r := New(config.DefaultConfig(), cacheDir, fakeOpener(&opened), stubProvider{path: fetched})

	if _, err := r.Resolve("doi:10.1/xyz"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cached := filepath.Join(cacheDir, sanitizeDOI("10.1/xyz")+".paper")
	if _, err := os.Stat(cached); err != nil {
		t.Fatalf("expected cached file at %s: %v", cached, err)
	}
	data, _ := os.ReadFile(cached)
	if string(data) != "payload" {
		t.Fatalf("got %q", data)
	}
}

func TestSanitizeDOI(t *testing.T) {
	got := sanitizeDOI("10.1000/xyz:123")
	if got != "10.1000_xyz_123" {
		t.Fatalf("got %q", got)
	}
}
