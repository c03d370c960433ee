package intfile

import (
	"path/filepath"
	"testing"

	"github.com/active-papers/goactivepapers/internal/container"
)

// alwaysOwner is an Owner stub that always permits writes, modeling the
// external-code pseudo-owner convention used by package paper.
type alwaysOwner struct{}

func (alwaysOwner) Owns(*container.Adapter, string) (bool, error) { return true, nil }

func openTemp(t *testing.T) *container.Adapter {
	t.Helper()
	a, _, err := container.Open(filepath.Join(t.TempDir(), "test.paper"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.CreateGroup("/data")
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWriteThenReadRoundtrip(t *testing.T) {
	c := openTemp(t)
	f, err := Open(c, alwaysOwner{}, "/data/x", ModeWrite, "", nil)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	if err := f.WriteText("hello\nworld\n"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(c, alwaysOwner{}, "/data/x", ModeRead, "", nil)
	if err != nil {
		t.Fatalf("Open for read: %v", err)
	}
	text, err := r.ReadText()
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if text != "hello\nworld\n" {
		t.Fatalf("got %q", text)
	}
}

func TestReadLineSplitsOnNewline(t *testing.T) {
	c := openTemp(t)
	f, _ := Open(c, alwaysOwner{}, "/data/x", ModeWrite, "", nil)
	f.WriteText("one\ntwo\nthree")
	f.Close()

	r, _ := Open(c, alwaysOwner{}, "/data/x", ModeRead, "", nil)
	var lines []string
	for {
		line, ok, err := r.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if !ok {
			break
		}
		lines = append(lines, line)
	}
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestReadOnMissingFileFails(t *testing.T) {
	c := openTemp(t)
	if _, err := Open(c, alwaysOwner{}, "/data/missing", ModeRead, "", nil); err == nil {
		t.Fatalf("expected error opening a nonexistent file for read")
	}
}

func TestNonAsciiWriteFailsWithoutUTF8Encoding(t *testing.T) {
	c := openTemp(t)
	f, _ := Open(c, alwaysOwner{}, "/data/x", ModeWrite, "", nil)
	if err := f.WriteText("café"); err == nil {
		t.Fatalf("expected non-ASCII write without utf-8 encoding to fail")
	}
}

func TestNonAsciiWriteSucceedsWithUTF8Encoding(t *testing.T) {
	c := openTemp(t)
	f, _ := Open(c, alwaysOwner{}, "/data/x", ModeWrite, "utf-8", nil)
	if err := f.WriteText("café"); err != nil {
		t.Fatalf("WriteText with utf-8 encoding: %v", err)
	}
}

func TestRestampCallbackInvokedOnWrite(t *testing.T) {
	c := openTemp(t)
	calls := 0
	cb := func() (string, []string) {
		calls++
		return "/code/gen", []string{"/data/dep"}
	}
	f, _ := Open(c, alwaysOwner{}, "/data/x", ModeWrite, "", cb)
	f.WriteText("hi")
	f.Close()
	if calls == 0 {
		t.Fatalf("expected the stamp callback to be invoked on write")
	}
}
