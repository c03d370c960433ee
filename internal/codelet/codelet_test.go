package codelet

import (
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/provenance"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHost struct {
	id       string
	filename string
	removed  []string
}

func (h *fakeHost) RemoveOwnedBy(codeletPath string) error {
	h.removed = append(h.removed, codeletPath)
	return nil
}
func (h *fakeHost) Snapshot(target string) error { return nil }
func (h *fakeHost) Filename() string             { return h.filename }
func (h *fakeHost) ID() string                   { return h.id }

func openTemp(t *testing.T) *container.Adapter {
	t.Helper()
	a, _, err := container.Open(filepath.Join(t.TempDir(), "test.paper"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.CreateGroup("/code")
	a.CreateGroup("/data")
	t.Cleanup(func() { a.Close() })
	return a
}

func newTestCodelet(t *testing.T, path string) *Codelet {
	c := openTemp(t)
	host := &fakeHost{id: "paper-id", filename: "mypaper.paper"}
	return New(host, c, nil, nil, path, KindCalclet, "go", false)
}

func TestPathReturnsOwnPath(t *testing.T) {
	cl := newTestCodelet(t, "/code/calc")
	if cl.Path() != "/code/calc" {
		t.Fatalf("got %q", cl.Path())
	}
}

func TestRecordDependencyAndWrite(t *testing.T) {
	cl := newTestCodelet(t, "/code/calc")
	cl.RecordDependency("/data/a")
	cl.RecordDependency("/data/a")
	cl.RecordWrite("/data/b")

	_, deps := cl.DependencyAttributes()
	count := 0
	for _, d := range deps {
		if d == "/data/a" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected /data/a exactly once in %v", deps)
	}
}

func TestDependencyAttributesIncludesSelfSorted(t *testing.T) {
	cl := newTestCodelet(t, "/code/calc")
	cl.RecordDependency("/data/z")
	cl.RecordDependency("/data/a")

	gen, deps := cl.DependencyAttributes()
	if gen != "/code/calc" {
		t.Fatalf("got generating codelet %q", gen)
	}
	want := []string{"/code/calc", "/data/a", "/data/z"}
	if len(deps) != len(want) {
		t.Fatalf("got %v, want %v", deps, want)
	}
	for i := range want {
		if deps[i] != want[i] {
			t.Fatalf("got %v, want %v", deps, want)
		}
	}
}

func TestOwnsExternalPseudoOwnerOwnsEverything(t *testing.T) {
	c := openTemp(t)
	cl := New(&fakeHost{}, c, nil, nil, "", KindCalclet, "go", false)
	c.CreateDataset("/data/x")
	owns, err := cl.Owns(c, "/data/x")
	if err != nil {
		t.Fatalf("Owns: %v", err)
	}
	if !owns {
		t.Fatalf("expected external pseudo-owner to own everything")
	}
}

func TestOwnsRejectsItemOwnedByAnotherCodelet(t *testing.T) {
	c := openTemp(t)
	cl := newTestCodeletWithAdapter(c, "/code/calc")
	c.CreateDataset("/data/x")
	if err := provenance.Stamp(c, "/data/x", provenance.TagData, provenance.Attrs{GeneratingCodelet: "/code/other"}); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	owns, err := cl.Owns(c, "/data/x")
	if err != nil {
		t.Fatalf("Owns: %v", err)
	}
	if owns {
		t.Fatalf("expected codelet to not own an item generated by another codelet")
	}
}

func TestOwnsRejectsItemWithNoGeneratingCodelet(t *testing.T) {
	c := openTemp(t)
	cl := newTestCodeletWithAdapter(c, "/code/calc")
	c.CreateDataset("/data/x")
	owns, err := cl.Owns(c, "/data/x")
	if err != nil {
		t.Fatalf("Owns: %v", err)
	}
	if owns {
		t.Fatalf("expected a non-external codelet to not claim ownership of an untagged item")
	}
}

func newTestCodeletWithAdapter(c *container.Adapter, path string) *Codelet {
	return New(&fakeHost{id: "paper-id", filename: "mypaper.paper"}, c, nil, nil, path, KindCalclet, "go", false)
}

func TestWrapSourceAddsPackageMain(t *testing.T) {
	got := wrapSource("func Run() error { return nil }")
	if got != "package main\n\nfunc Run() error { return nil }" {
		t.Fatalf("got %q", got)
	}
}

func TestWrapSourceIdempotentIfAlreadyPresent(t *testing.T) {
	src := "package main\n\nfunc Run() error { return nil }"
	if wrapSource(src) != src {
		t.Fatalf("expected source already declaring package main to pass through unchanged")
	}
}

func TestRewriteTracebackSubstitutesHostID(t *testing.T) {
	cl := newTestCodelet(t, "/code/calc")
	msg := "paper-id:/code/calc:3:5: undefined: foo"
	got := cl.rewriteTraceback(msg)
	want := "mypaper.paper:/code/calc:3:5: undefined: foo"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseTracebackExtractsFileLine(t *testing.T) {
	tb := parseTraceback("/code/calc", "script.go:12:4: undefined: foo")
	if tb.File != "script.go" || tb.Line != 12 {
		t.Fatalf("got %+v", tb)
	}
}

func TestParseTracebackFallsBackToCodeletPath(t *testing.T) {
	tb := parseTraceback("/code/calc", "some opaque interpreter error")
	if tb.File != "/code/calc" {
		t.Fatalf("got %+v, want fallback to codelet path", tb)
	}
}

func TestExceptionTracebackFalseBeforeAnyFailure(t *testing.T) {
	cl := newTestCodelet(t, "/code/calc")
	_, ok := cl.ExceptionTraceback()
	if ok {
		t.Fatalf("expected no traceback before any run")
	}
}

func TestStampTouchedAppliesFinalDependencies(t *testing.T) {
	c := openTemp(t)
	cl := newTestCodeletWithAdapter(c, "/code/calc")
	c.CreateDataset("/data/x")
	cl.RecordWrite("/data/x")
	cl.RecordDependency("/data/y")

	if err := cl.stampTouched(); err != nil {
		t.Fatalf("stampTouched: %v", err)
	}
	gen, hasGen, err := provenance.GeneratingCodelet(c, "/data/x")
	if err != nil || !hasGen || gen != "/code/calc" {
		t.Fatalf("got (%q, %v, %v)", gen, hasGen, err)
	}
	deps, err := provenance.Dependencies(c, "/data/x")
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	found := false
	for _, d := range deps {
		if d == "/data/y" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /data/y among stamped dependencies, got %v", deps)
	}
}
