package provenance

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

func TestStampSetsAllAttrs(t *testing.T) {
	c := openTemp(t)
	c.CreateDataset("/x")
	if err := Stamp(c, "/x", TagData, Attrs{GeneratingCodelet: "/code/gen", Dependencies: []string{"/data/b", "/data/a"}}); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	tag, ok, err := DatatypeTag(c, "/x")
	if err != nil || !ok || tag != TagData {
		t.Fatalf("DatatypeTag = (%v, %v, %v), want (data, true, nil)", tag, ok, err)
	}
	gen, hasGen, err := GeneratingCodelet(c, "/x")
	if err != nil || !hasGen || gen != "/code/gen" {
		t.Fatalf("GeneratingCodelet = (%v, %v, %v)", gen, hasGen, err)
	}
	deps, err := Dependencies(c, "/x")
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(deps) != 2 || deps[0] != "/data/a" || deps[1] != "/data/b" {
		t.Fatalf("got %v, want sorted [/data/a /data/b]", deps)
	}
}

func TestStampRejectsIllegalTransition(t *testing.T) {
	c := openTemp(t)
	c.CreateDataset("/x")
	if err := Stamp(c, "/x", TagCalclet, Attrs{}); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if err := Stamp(c, "/x", TagData, Attrs{}); err == nil {
		t.Fatalf("expected error transitioning calclet -> data")
	}
}

func TestStampAllowsLegalTransition(t *testing.T) {
	c := openTemp(t)
	c.CreateGroup("/g")
	if err := Stamp(c, "/g", TagGroup, Attrs{}); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if err := Stamp(c, "/g", TagData, Attrs{}); err != nil {
		t.Fatalf("expected group -> data to be legal: %v", err)
	}
}

func TestStampAtPreservesExplicitTimestamp(t *testing.T) {
	c := openTemp(t)
	c.CreateDataset("/x")
	if err := StampAt(c, "/x", TagData, Attrs{}, 12345); err != nil {
		t.Fatalf("StampAt: %v", err)
	}
	ts, err := Timestamp(c, "/x")
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if ts != 12345 {
		t.Fatalf("got %d, want 12345", ts)
	}
}

func TestIsStaleComparesDependencyTimestamps(t *testing.T) {
	c := openTemp(t)
	c.CreateDataset("/dep")
	c.CreateDataset("/out")
	if err := StampAt(c, "/dep", TagData, Attrs{}, 100); err != nil {
		t.Fatalf("stamp dep: %v", err)
	}
	if err := StampAt(c, "/out", TagData, Attrs{Dependencies: []string{"/dep"}}, 50); err != nil {
		t.Fatalf("stamp out: %v", err)
	}
	stale, err := IsStale(c, "/out")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if !stale {
		t.Fatalf("expected /out (ts=50) to be stale relative to /dep (ts=100)")
	}

	if err := StampAt(c, "/out", TagData, Attrs{Dependencies: []string{"/dep"}}, 200); err != nil {
		t.Fatalf("restamp out: %v", err)
	}
	stale, err = IsStale(c, "/out")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if stale {
		t.Fatalf("expected /out (ts=200) to be fresh relative to /dep (ts=100)")
	}
}

func TestIsStaleGroupsAreNeverStale(t *testing.T) {
	c := openTemp(t)
	c.CreateGroup("/g")
	if err := Stamp(c, "/g", TagGroup, Attrs{}); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	stale, err := IsStale(c, "/g")
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if stale {
		t.Fatalf("groups should never be reported stale")
	}
}

func TestIsReserved(t *testing.T) {
	if !IsReserved(AttrDatatype) {
		t.Fatalf("expected %q to be reserved", AttrDatatype)
	}
	if IsReserved("my_attribute") {
		t.Fatalf("expected my_attribute to not be reserved")
	}
}
