package history

import (
	"path/filepath"
	"testing"

	"github.com/active-papers/goactivepapers/internal/container"
)

func openTemp(t *testing.T) *container.Adapter {
	t.Helper()
	a, _, err := container.Open(filepath.Join(t.TempDir(), "test.paper"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestBeginRecordsOpenMetadata(t *testing.T) {
	c := openTemp(t)
	if err := Bootstrap(c); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	entry, err := Begin(c, map[string]string{"numpy": "1.2.3"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	children, err := c.ListChildren(Root)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("got %d history entries, want 1", len(children))
	}
	path := children[0]

	if _, ok, err := c.GetAttr(path, attrOpened); err != nil || !ok {
		t.Fatalf("expected opened attr: ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.GetAttr(path, attrClosed); err != nil || ok {
		t.Fatalf("expected no closed attr before End: ok=%v err=%v", ok, err)
	}
	versions, ok, err := c.GetAttr(path, attrVersions)
	if err != nil || !ok {
		t.Fatalf("expected dependency_versions attr: ok=%v err=%v", ok, err)
	}
	if versions == "" {
		t.Fatalf("expected non-empty dependency_versions")
	}

	if err := entry.End(c); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, ok, err := c.GetAttr(path, attrClosed); err != nil || !ok {
		t.Fatalf("expected closed attr after End: ok=%v err=%v", ok, err)
	}
}

func TestEndOnNilEntryIsNoop(t *testing.T) {
	c := openTemp(t)
	var e *Entry
	if err := e.End(c); err != nil {
		t.Fatalf("End on nil entry should be a no-op, got %v", err)
	}
}
