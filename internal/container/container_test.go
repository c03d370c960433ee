package container

import (
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.paper")
	a, existed, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if existed {
		t.Fatalf("expected a fresh container to report existed=false")
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenCreatesRoot(t *testing.T) {
	a := openTemp(t)
	ok, err := a.Exists("/")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected root node to exist after Open")
	}
}

func TestReopenReportsExisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.paper")
	a, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.Close()

	a2, existed, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a2.Close()
	if !existed {
		t.Fatalf("expected reopened container to report existed=true")
	}
}

func TestCreateGroupAndDataset(t *testing.T) {
	a := openTemp(t)
	if err := a.CreateGroup("/data"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := a.CreateDataset("/data/x"); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	kind, err := a.Kind("/data/x")
	if err != nil {
		t.Fatalf("Kind: %v", err)
	}
	if kind != KindDataset {
		t.Fatalf("got kind %q, want dataset", kind)
	}
}

func TestCreateNodeRequiresParent(t *testing.T) {
	a := openTemp(t)
	if err := a.CreateGroup("/missing/child"); err == nil {
		t.Fatalf("expected error creating a node under a nonexistent parent")
	}
}

func TestWriteReadBytesRoundtrip(t *testing.T) {
	a := openTemp(t)
	a.CreateDataset("/x")
	if err := a.WriteBytes("/x", []byte("hello")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := a.ReadBytes("/x")
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestWriteAtGrowsDataset(t *testing.T) {
	a := openTemp(t)
	a.CreateDataset("/x")
	if err := a.WriteAt("/x", 3, []byte("abc")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := a.ReadBytes("/x")
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	want := []byte{0, 0, 0, 'a', 'b', 'c'}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReadAtPastEndReturnsZero(t *testing.T) {
	a := openTemp(t)
	a.CreateDataset("/x")
	a.WriteBytes("/x", []byte("ab"))
	buf := make([]byte, 4)
	n, err := a.ReadAt("/x", 10, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 0 {
		t.Fatalf("got n=%d, want 0", n)
	}
}

func TestAttrsRoundtrip(t *testing.T) {
	a := openTemp(t)
	if err := a.SetAttr("/", "k", "v"); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	got, ok, err := a.GetAttr("/", "k")
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if !ok || got != "v" {
		t.Fatalf("got (%q, %v), want (%q, true)", got, ok, "v")
	}
	if err := a.DeleteAttr("/", "k"); err != nil {
		t.Fatalf("DeleteAttr: %v", err)
	}
	_, ok, err = a.GetAttr("/", "k")
	if err != nil {
		t.Fatalf("GetAttr after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected attribute to be gone after DeleteAttr")
	}
}

func TestDeleteNodeRemovesSubtree(t *testing.T) {
	a := openTemp(t)
	a.CreateGroup("/g")
	a.CreateDataset("/g/x")
	if err := a.DeleteNode("/g"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	exists, err := a.Exists("/g/x")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("expected /g/x to be gone after deleting /g")
	}
}

func TestCopyNodeCopiesDataAndAttrs(t *testing.T) {
	a := openTemp(t)
	a.CreateGroup("/g")
	a.CreateDataset("/g/x")
	a.WriteBytes("/g/x", []byte("payload"))
	a.SetAttr("/g/x", "k", "v")

	if err := a.CopyNode("/g", "/g2"); err != nil {
		t.Fatalf("CopyNode: %v", err)
	}
	got, err := a.ReadBytes("/g2/x")
	if err != nil {
		t.Fatalf("ReadBytes copy: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
	val, ok, err := a.GetAttr("/g2/x", "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("copied attribute mismatch: val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestListChildrenSorted(t *testing.T) {
	a := openTemp(t)
	a.CreateGroup("/g")
	a.CreateDataset("/g/b")
	a.CreateDataset("/g/a")
	children, err := a.ListChildren("/g")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 2 || children[0] != "/g/a" || children[1] != "/g/b" {
		t.Fatalf("got %v, want sorted [/g/a /g/b]", children)
	}
}
