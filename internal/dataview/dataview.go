// Package dataview wraps a group or dataset inside /data or /documentation
// for the lifetime of one codelet execution. Every read records a
// dependency (or a stamping, for writes) on the codelet that is executing;
// every write re-stamps the affected item.
package dataview

import (
	"encoding/json"
	"fmt"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/paperrors"
	"github.com/active-papers/goactivepapers/internal/pathutil"
	"github.com/active-papers/goactivepapers/internal/plog"
	"github.com/active-papers/goactivepapers/internal/provenance"
)

// Tracker is the minimal surface a running codelet exposes to the views it
// owns. codelet.Codelet implements this; defining it here (rather than
// importing the codelet package) keeps dataview free of the circular
// dependency codelet -> dataview -> codelet.
type Tracker interface {
	// Path is the absolute path of the running codelet, or "" for the
	// external-code pseudo-owner (writes made directly against the paper,
	// outside any codelet).
	Path() string
	// RecordDependency notes that absPath's content influenced the item
	// currently being produced.
	RecordDependency(absPath string)
	// RecordWrite notes that absPath was mutated during this execution, so
	// the codelet runtime re-stamps it with the final dependency list on
	// completion.
	RecordWrite(absPath string)
	// Owns reports whether the tracker may overwrite/delete absPath.
	Owns(c *container.Adapter, absPath string) (bool, error)
}

// Dereferencer resolves a reference item's (paper-reference, path) pair into
// the container adapter and absolute path it names, possibly in a different
// paper. paper.Paper implements this for its own DataView roots.
type Dereferencer interface {
	Dereference(paperRef, path string) (*container.Adapter, string, error)
}

// Node is implemented by both GroupView and DatasetView.
type Node interface {
	Path() string
}

// GroupView projects a structural or item-marked group.
type GroupView struct {
	c       *container.Adapter
	tracker Tracker
	deref   Dereferencer
	path    string
	anchor  *GroupView // nearest enclosing item-marked group, nil if none
}

// DatasetView projects a leaf dataset holding a JSON-encoded scalar/array
// value.
type DatasetView struct {
	c       *container.Adapter
	tracker Tracker
	deref   Dereferencer
	path    string
	anchor  *GroupView
}

// NewRoot constructs the Data View (or Documentation View) root for one
// codelet execution, rooted at rootPath (e.g. "/data").
func NewRoot(c *container.Adapter, tracker Tracker, deref Dereferencer, rootPath string) *GroupView {
	return &GroupView{c: c, tracker: tracker, deref: deref, path: rootPath}
}

// Path returns the view's absolute container path.
func (g *GroupView) Path() string { return g.path }

// Path returns the view's absolute container path.
func (d *DatasetView) Path() string { return d.path }

func (g *GroupView) recordReadDependency(childPath string) error {
	tag, hasTag, err := provenance.DatatypeTag(g.c, childPath)
	if err != nil {
		return err
	}
	if !hasTag || tag == provenance.TagGroup {
		return nil // structural groups never themselves become a dependency
	}
	target := childPath
	if g.anchor != nil {
		target = g.anchor.path
	}
	g.tracker.RecordDependency(target)

	genCodelet, hasGen, err := provenance.GeneratingCodelet(g.c, childPath)
	if err != nil {
		return err
	}
	if hasGen {
		genTag, _, err := provenance.DatatypeTag(g.c, genCodelet)
		if err == nil && genTag == provenance.TagCalclet {
			g.tracker.RecordDependency(genCodelet)
		}
	}
	return nil
}

// Get reads a child by relative path, returning a GroupView, DatasetView, or
// (after transparently dereferencing) the equivalent view inside a
// referenced paper.
func (g *GroupView) Get(rel string) (Node, error) {
	childPath := pathutil.Join(g.path, rel)
	exists, err := g.c.Exists(childPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", paperrors.ErrMissingItem, childPath)
	}
	plog.Get(plog.CategoryDataView).Debug("get %s", childPath)

	tag, hasTag, err := provenance.DatatypeTag(g.c, childPath)
	if err != nil {
		return nil, err
	}
	if hasTag && tag == provenance.TagReference {
		return g.dereference(childPath)
	}

	if err := g.recordReadDependency(childPath); err != nil {
		return nil, err
	}

	kind, err := g.c.Kind(childPath)
	if err != nil {
		return nil, err
	}
	nextAnchor := g.anchor
	if hasTag && tag == provenance.TagData && kind == container.KindGroup {
		nextAnchor = &GroupView{c: g.c, tracker: g.tracker, deref: g.deref, path: childPath, anchor: g.anchor}
	}
	if kind == container.KindGroup {
		return &GroupView{c: g.c, tracker: g.tracker, deref: g.deref, path: childPath, anchor: nextAnchor}, nil
	}
	return &DatasetView{c: g.c, tracker: g.tracker, deref: g.deref, path: childPath, anchor: nextAnchor}, nil
}

func (g *GroupView) dereference(refPath string) (Node, error) {
	raw, err := g.c.ReadBytes(refPath)
	if err != nil {
		return nil, err
	}
	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("%w: malformed reference at %s: %v", paperrors.ErrFormat, refPath, err)
	}
	targetC, targetPath, err := g.deref.Dereference(pair[0], pair[1])
	if err != nil {
		return nil, err
	}
	section, _, err := pathutil.Split(targetPath)
	_ = section
	if err != nil {
		return nil, err
	}
	root := NewRoot(targetC, g.tracker, g.deref, targetPath)
	kind, err := targetC.Kind(targetPath)
	if err != nil {
		return nil, err
	}
	if kind == container.KindGroup {
		return root, nil
	}
	return &DatasetView{c: targetC, tracker: g.tracker, deref: g.deref, path: targetPath}, nil
}

// Children lists the absolute paths of a group's immediate children.
func (g *GroupView) Children() ([]string, error) {
	return g.c.ListChildren(g.path)
}

// CreateGroup creates a plain structural child group.
func (g *GroupView) CreateGroup(rel string) (*GroupView, error) {
	childPath := pathutil.Join(g.path, rel)
	if err := g.c.CreateGroup(childPath); err != nil {
		return nil, err
	}
	if err := g.applyWriteStamp(childPath, provenance.TagGroup); err != nil {
		return nil, err
	}
	return &GroupView{c: g.c, tracker: g.tracker, deref: g.deref, path: childPath, anchor: g.anchor}, nil
}

// RequireGroup returns the existing child group, or creates it if absent.
func (g *GroupView) RequireGroup(rel string) (*GroupView, error) {
	childPath := pathutil.Join(g.path, rel)
	exists, err := g.c.Exists(childPath)
	if err != nil {
		return nil, err
	}
	if exists {
		node, err := g.Get(rel)
		if err != nil {
			return nil, err
		}
		gv, ok := node.(*GroupView)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a group", paperrors.ErrInvariant, childPath)
		}
		return gv, nil
	}
	return g.CreateGroup(rel)
}

// CreateDataset creates a new dataset child holding value, JSON-encoded.
func (g *GroupView) CreateDataset(rel string, value interface{}) (*DatasetView, error) {
	childPath := pathutil.Join(g.path, rel)
	if err := g.checkOwnership(childPath); err != nil {
		return nil, err
	}
	if err := g.c.CreateDataset(childPath); err != nil {
		return nil, err
	}
	dv := &DatasetView{c: g.c, tracker: g.tracker, deref: g.deref, path: childPath, anchor: g.anchor}
	if err := dv.Set(value); err != nil {
		return nil, err
	}
	return dv, nil
}

// RequireDataset returns the existing dataset child, creating it with value
// if absent.
func (g *GroupView) RequireDataset(rel string, value interface{}) (*DatasetView, error) {
	childPath := pathutil.Join(g.path, rel)
	exists, err := g.c.Exists(childPath)
	if err != nil {
		return nil, err
	}
	if exists {
		node, err := g.Get(rel)
		if err != nil {
			return nil, err
		}
		dv, ok := node.(*DatasetView)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a dataset", paperrors.ErrInvariant, childPath)
		}
		return dv, nil
	}
	return g.CreateDataset(rel, value)
}

// MarkAsDataItem elevates this structural group to a data item: the whole
// subtree becomes one dependency unit. The elevated group itself always
// receives its own stamp — it is what establishes the anchor, so it cannot
// collapse onto one.
func (g *GroupView) MarkAsDataItem() error {
	if err := g.checkOwnership(g.path); err != nil {
		return err
	}
	if err := provenance.Stamp(g.c, g.path, provenance.TagData, provenance.Attrs{GeneratingCodelet: g.tracker.Path()}); err != nil {
		return err
	}
	g.tracker.RecordWrite(g.path)
	return nil
}

// Delete removes a child, requiring the running codelet to own it.
func (g *GroupView) Delete(rel string) error {
	childPath := pathutil.Join(g.path, rel)
	owns, err := g.tracker.Owns(g.c, childPath)
	if err != nil {
		return err
	}
	if !owns {
		return fmt.Errorf("%w: %s is not owned by the running codelet", paperrors.ErrPermissionDenied, childPath)
	}
	return g.c.DeleteNode(childPath)
}

func (g *GroupView) checkOwnership(path string) error {
	_, hasTag, err := provenance.DatatypeTag(g.c, path)
	if err != nil {
		return err
	}
	if !hasTag {
		return nil // item has not been stamped yet: creating/finishing it is always allowed
	}
	owns, err := g.tracker.Owns(g.c, path)
	if err != nil {
		return err
	}
	if !owns {
		return fmt.Errorf("%w: %s is not owned by the running codelet", paperrors.ErrPermissionDenied, path)
	}
	return nil
}

// applyWriteStamp implements spec.md §4.4's write path: if an anchor is
// present, only the anchor is re-stamped and the leaf itself is left
// un-stamped (it is not an independent dependency unit); otherwise the leaf
// is stamped with leafTag.
func (g *GroupView) applyWriteStamp(leafPath string, leafTag provenance.Tag) error {
	if g.anchor != nil {
		if err := provenance.Stamp(g.c, g.anchor.path, provenance.TagData, provenance.Attrs{GeneratingCodelet: g.tracker.Path()}); err != nil {
			return err
		}
		g.tracker.RecordWrite(g.anchor.path)
		return nil
	}
	if err := provenance.Stamp(g.c, leafPath, leafTag, provenance.Attrs{GeneratingCodelet: g.tracker.Path()}); err != nil {
		return err
	}
	g.tracker.RecordWrite(leafPath)
	return nil
}

// Attrs returns the user-visible attribute wrapper for this group.
func (g *GroupView) Attrs() *AttrsView {
	return &AttrsView{c: g.c, path: g.path}
}

// Set replaces the dataset's value, JSON-encoding it.
func (d *DatasetView) Set(value interface{}) error {
	if err := d.checkOwnership(); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("dataview: marshal value for %s: %w", d.path, err)
	}
	if err := d.c.WriteBytes(d.path, encoded); err != nil {
		return err
	}
	return d.applyWriteStamp(provenance.TagData)
}

// applyWriteStamp mirrors GroupView.applyWriteStamp: collapse onto the
// anchor when present, otherwise stamp the leaf itself with leafTag.
func (d *DatasetView) applyWriteStamp(leafTag provenance.Tag) error {
	if d.anchor != nil {
		if err := provenance.Stamp(d.c, d.anchor.path, provenance.TagData, provenance.Attrs{GeneratingCodelet: d.tracker.Path()}); err != nil {
			return err
		}
		d.tracker.RecordWrite(d.anchor.path)
		return nil
	}
	if err := provenance.Stamp(d.c, d.path, leafTag, provenance.Attrs{GeneratingCodelet: d.tracker.Path()}); err != nil {
		return err
	}
	d.tracker.RecordWrite(d.path)
	return nil
}

func (d *DatasetView) currentOrDataTag() (provenance.Tag, error) {
	existing, hasTag, err := provenance.DatatypeTag(d.c, d.path)
	if err != nil {
		return "", err
	}
	if hasTag {
		return existing, nil
	}
	return provenance.TagData, nil
}

// Resize truncates or zero-extends the dataset's raw bytes, for low-level
// callers operating below the JSON-value layer (e.g. packed binary data).
func (d *DatasetView) Resize(size int64) error {
	if err := d.checkOwnership(); err != nil {
		return err
	}
	if err := d.c.Resize(d.path, size); err != nil {
		return err
	}
	tag, err := d.currentOrDataTag()
	if err != nil {
		return err
	}
	return d.applyWriteStamp(tag)
}

// WriteDirect writes raw bytes at offset, below the JSON-value layer.
func (d *DatasetView) WriteDirect(offset int64, data []byte) error {
	if err := d.checkOwnership(); err != nil {
		return err
	}
	if err := d.c.WriteAt(d.path, offset, data); err != nil {
		return err
	}
	tag, err := d.currentOrDataTag()
	if err != nil {
		return err
	}
	return d.applyWriteStamp(tag)
}

// Value decodes the dataset's JSON-encoded value into v (a pointer).
func (d *DatasetView) Value(v interface{}) error {
	raw, err := d.c.ReadBytes(d.path)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("dataview: %s has no value (dummy or uninitialized)", d.path)
	}
	return json.Unmarshal(raw, v)
}

func (d *DatasetView) checkOwnership() error {
	_, hasTag, err := provenance.DatatypeTag(d.c, d.path)
	if err != nil {
		return err
	}
	if !hasTag {
		return nil
	}
	owns, err := d.tracker.Owns(d.c, d.path)
	if err != nil {
		return err
	}
	if !owns {
		return fmt.Errorf("%w: %s is not owned by the running codelet", paperrors.ErrPermissionDenied, d.path)
	}
	return nil
}

// Attrs returns the user-visible attribute wrapper for this dataset.
func (d *DatasetView) Attrs() *AttrsView {
	return &AttrsView{c: d.c, path: d.path}
}

// AttrsView exposes only non-reserved attributes to user code: iteration,
// containment, lookup, set, and delete all behave as if the reserved ones do
// not exist.
type AttrsView struct {
	c    *container.Adapter
	path string
}

// Keys lists the visible (non-reserved) attribute names.
func (a *AttrsView) Keys() ([]string, error) {
	all, err := a.c.ListAttrs(a.path)
	if err != nil {
		return nil, err
	}
	visible := make([]string, 0, len(all))
	for _, k := range all {
		if !provenance.IsReserved(k) {
			visible = append(visible, k)
		}
	}
	return visible, nil
}

// Has reports whether a visible attribute key is set.
func (a *AttrsView) Has(key string) (bool, error) {
	if provenance.IsReserved(key) {
		return false, nil
	}
	_, ok, err := a.c.GetAttr(a.path, key)
	return ok, err
}

// Get reads a visible attribute's value.
func (a *AttrsView) Get(key string) (string, bool, error) {
	if provenance.IsReserved(key) {
		return "", false, nil
	}
	return a.c.GetAttr(a.path, key)
}

// Set writes a user attribute. Setting a reserved-prefix key fails.
func (a *AttrsView) Set(key, value string) error {
	if provenance.IsReserved(key) {
		return fmt.Errorf("%w: cannot set reserved attribute %s", paperrors.ErrPermissionDenied, key)
	}
	return a.c.SetAttr(a.path, key, value)
}

// Delete removes a user attribute. Deleting a reserved-prefix key fails.
func (a *AttrsView) Delete(key string) error {
	if provenance.IsReserved(key) {
		return fmt.Errorf("%w: cannot delete reserved attribute %s", paperrors.ErrPermissionDenied, key)
	}
	return a.c.DeleteAttr(a.path, key)
}
