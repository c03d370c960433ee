// Package container is a thin adapter over a hierarchical byte store backed
// by SQLite: groups, resizable byte datasets, and string attributes, with
// atomic attribute writes. It knows nothing about provenance, codelets, or
// reference semantics — those live in higher layers.
package container

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/active-papers/goactivepapers/internal/plog"
)

// NodeKind distinguishes structural groups from leaf datasets at the
// container level. It is not the same thing as a provenance datatype tag.
type NodeKind string

const (
	KindGroup   NodeKind = "group"
	KindDataset NodeKind = "dataset"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	path   TEXT PRIMARY KEY,
	parent TEXT NOT NULL,
	kind   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent);
CREATE TABLE IF NOT EXISTS blobs (
	path TEXT PRIMARY KEY REFERENCES nodes(path) ON DELETE CASCADE,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS attributes (
	path  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (path, key)
);
CREATE INDEX IF NOT EXISTS idx_attributes_path ON attributes(path);
`

// Adapter wraps a single SQLite-backed container file.
type Adapter struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens (creating if absent) the container file at path. existed
// reports whether the file already held a root node before this call.
func Open(path string) (a *Adapter, existed bool, err error) {
	timer := plog.StartTimer(plog.CategoryContainer, "Open")
	defer timer.Stop()

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, false, fmt.Errorf("container: failed to open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("container: failed to initialize schema: %w", err)
	}

	a = &Adapter{db: db, path: path}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE path = '/'`).Scan(&count); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("container: failed to probe root node: %w", err)
	}
	existed = count > 0
	if !existed {
		if _, err := db.Exec(`INSERT INTO nodes(path, parent, kind) VALUES('/', '', ?)`, KindGroup); err != nil {
			db.Close()
			return nil, false, fmt.Errorf("container: failed to create root node: %w", err)
		}
	}
	plog.Get(plog.CategoryContainer).Info("opened container %s (existed=%v)", path, existed)
	return a, existed, nil
}

// Close releases the underlying database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Exists reports whether path names any node.
func (a *Adapter) Exists(path string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE path = ?`, path).Scan(&count); err != nil {
		return false, fmt.Errorf("container: exists(%s): %w", path, err)
	}
	return count > 0, nil
}

// Kind returns the structural kind (group or dataset) of path.
func (a *Adapter) Kind(path string) (NodeKind, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var kind string
	err := a.db.QueryRow(`SELECT kind FROM nodes WHERE path = ?`, path).Scan(&kind)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("container: no such node %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("container: kind(%s): %w", path, err)
	}
	return NodeKind(kind), nil
}

// CreateGroup creates an empty structural group at path. The parent group
// must already exist.
func (a *Adapter) CreateGroup(path string) error {
	return a.createNode(path, KindGroup)
}

// CreateDataset creates an empty byte dataset at path.
func (a *Adapter) CreateDataset(path string) error {
	if err := a.createNode(path, KindDataset); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.db.Exec(`INSERT OR REPLACE INTO blobs(path, data) VALUES(?, ?)`, path, []byte{})
	if err != nil {
		return fmt.Errorf("container: create dataset %s: %w", path, err)
	}
	return nil
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (a *Adapter) createNode(path string, kind NodeKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	parent := parentOf(path)
	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE path = ?`, parent).Scan(&count); err != nil {
		return fmt.Errorf("container: createNode probe parent: %w", err)
	}
	if count == 0 && path != "/" {
		return fmt.Errorf("container: parent group %s does not exist", parent)
	}
	if _, err := a.db.Exec(`INSERT INTO nodes(path, parent, kind) VALUES(?, ?, ?)`, path, parent, kind); err != nil {
		return fmt.Errorf("container: createNode(%s): %w", path, err)
	}
	plog.Get(plog.CategoryContainer).Debug("created node %s kind=%s", path, kind)
	return nil
}

// WriteBytes fully replaces the byte contents of a dataset.
func (a *Adapter) WriteBytes(path string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	if _, err := a.db.Exec(`INSERT OR REPLACE INTO blobs(path, data) VALUES(?, ?)`, path, cp); err != nil {
		return fmt.Errorf("container: writeBytes(%s): %w", path, err)
	}
	return nil
}

// ReadBytes returns the full byte contents of a dataset.
func (a *Adapter) ReadBytes(path string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var data []byte
	err := a.db.QueryRow(`SELECT data FROM blobs WHERE path = ?`, path).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("container: no such dataset %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("container: readBytes(%s): %w", path, err)
	}
	return data, nil
}

// Len returns the byte length of a dataset.
func (a *Adapter) Len(path string) (int64, error) {
	data, err := a.ReadBytes(path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Resize truncates or zero-extends the dataset at path to size bytes.
func (a *Adapter) Resize(path string, size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var data []byte
	if err := a.db.QueryRow(`SELECT data FROM blobs WHERE path = ?`, path).Scan(&data); err != nil {
		return fmt.Errorf("container: resize(%s): %w", path, err)
	}
	if int64(len(data)) == size {
		return nil
	}
	resized := make([]byte, size)
	copy(resized, data)
	if _, err := a.db.Exec(`UPDATE blobs SET data = ? WHERE path = ?`, resized, path); err != nil {
		return fmt.Errorf("container: resize(%s): %w", path, err)
	}
	return nil
}

// WriteAt writes data at the given byte offset, resizing the dataset upward
// if the write extends past its current length. A zero-length write is a
// no-op.
func (a *Adapter) WriteAt(path string, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var existing []byte
	if err := a.db.QueryRow(`SELECT data FROM blobs WHERE path = ?`, path).Scan(&existing); err != nil {
		return fmt.Errorf("container: writeAt(%s): %w", path, err)
	}
	needed := offset + int64(len(data))
	if needed > int64(len(existing)) {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)
	if _, err := a.db.Exec(`UPDATE blobs SET data = ? WHERE path = ?`, existing, path); err != nil {
		return fmt.Errorf("container: writeAt(%s): %w", path, err)
	}
	return nil
}

// ReadAt reads up to len(buf) bytes starting at offset, returning the number
// of bytes read (which may be less than len(buf) at end of dataset).
func (a *Adapter) ReadAt(path string, offset int64, buf []byte) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var data []byte
	if err := a.db.QueryRow(`SELECT data FROM blobs WHERE path = ?`, path).Scan(&data); err != nil {
		return 0, fmt.Errorf("container: readAt(%s): %w", path, err)
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[offset:])
	return n, nil
}

// ListChildren returns the immediate child paths of a group, sorted.
func (a *Adapter) ListChildren(path string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rows, err := a.db.Query(`SELECT path FROM nodes WHERE parent = ? ORDER BY path`, path)
	if err != nil {
		return nil, fmt.Errorf("container: listChildren(%s): %w", path, err)
	}
	defer rows.Close()
	var children []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		children = append(children, p)
	}
	return children, nil
}

// DeleteNode recursively removes path and its whole subtree, including
// attributes and blob data.
func (a *Adapter) DeleteNode(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleteSubtreeLocked(path)
}

func (a *Adapter) deleteSubtreeLocked(path string) error {
	rows, err := a.db.Query(`SELECT path FROM nodes WHERE parent = ?`, path)
	if err != nil {
		return fmt.Errorf("container: deleteNode(%s): %w", path, err)
	}
	var children []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		children = append(children, p)
	}
	rows.Close()
	for _, c := range children {
		if err := a.deleteSubtreeLocked(c); err != nil {
			return err
		}
	}
	if _, err := a.db.Exec(`DELETE FROM attributes WHERE path = ?`, path); err != nil {
		return fmt.Errorf("container: deleteNode(%s) attrs: %w", path, err)
	}
	if _, err := a.db.Exec(`DELETE FROM blobs WHERE path = ?`, path); err != nil {
		return fmt.Errorf("container: deleteNode(%s) blob: %w", path, err)
	}
	if _, err := a.db.Exec(`DELETE FROM nodes WHERE path = ?`, path); err != nil {
		return fmt.Errorf("container: deleteNode(%s) node: %w", path, err)
	}
	return nil
}

// CopyNode deep-copies the subtree rooted at src into a fresh subtree rooted
// at dst, including blob data and attributes. dst must not already exist.
func (a *Adapter) CopyNode(src, dst string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copySubtreeLocked(src, dst)
}

func (a *Adapter) copySubtreeLocked(src, dst string) error {
	var kind string
	if err := a.db.QueryRow(`SELECT kind FROM nodes WHERE path = ?`, src).Scan(&kind); err != nil {
		return fmt.Errorf("container: copyNode(%s): %w", src, err)
	}
	parent := parentOf(dst)
	if _, err := a.db.Exec(`INSERT INTO nodes(path, parent, kind) VALUES(?, ?, ?)`, dst, parent, kind); err != nil {
		return fmt.Errorf("container: copyNode create %s: %w", dst, err)
	}
	var data []byte
	err := a.db.QueryRow(`SELECT data FROM blobs WHERE path = ?`, src).Scan(&data)
	if err == nil {
		if _, err := a.db.Exec(`INSERT INTO blobs(path, data) VALUES(?, ?)`, dst, data); err != nil {
			return fmt.Errorf("container: copyNode blob %s: %w", dst, err)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("container: copyNode read blob %s: %w", src, err)
	}

	rows, err := a.db.Query(`SELECT key, value FROM attributes WHERE path = ?`, src)
	if err != nil {
		return fmt.Errorf("container: copyNode attrs %s: %w", src, err)
	}
	type kv struct{ k, v string }
	var attrs []kv
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return err
		}
		attrs = append(attrs, kv{k, v})
	}
	rows.Close()
	for _, kv := range attrs {
		if _, err := a.db.Exec(`INSERT INTO attributes(path, key, value) VALUES(?, ?, ?)`, dst, kv.k, kv.v); err != nil {
			return fmt.Errorf("container: copyNode attr %s: %w", dst, err)
		}
	}

	children, err := a.listChildrenLocked(src)
	if err != nil {
		return err
	}
	for _, c := range children {
		childDst := dst + "/" + strings.TrimPrefix(c, src+"/")
		if err := a.copySubtreeLocked(c, childDst); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) listChildrenLocked(path string) ([]string, error) {
	rows, err := a.db.Query(`SELECT path FROM nodes WHERE parent = ? ORDER BY path`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var children []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		children = append(children, p)
	}
	return children, nil
}

// GetAttr reads a single attribute value. ok is false if unset.
func (a *Adapter) GetAttr(path, key string) (value string, ok bool, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	err = a.db.QueryRow(`SELECT value FROM attributes WHERE path = ? AND key = ?`, path, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("container: getAttr(%s,%s): %w", path, key, err)
	}
	return value, true, nil
}

// SetAttr atomically writes a single attribute value.
func (a *Adapter) SetAttr(path, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.db.Exec(`INSERT OR REPLACE INTO attributes(path, key, value) VALUES(?, ?, ?)`, path, key, value); err != nil {
		return fmt.Errorf("container: setAttr(%s,%s): %w", path, key, err)
	}
	return nil
}

// DeleteAttr removes a single attribute, if present.
func (a *Adapter) DeleteAttr(path, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.db.Exec(`DELETE FROM attributes WHERE path = ? AND key = ?`, path, key); err != nil {
		return fmt.Errorf("container: deleteAttr(%s,%s): %w", path, key, err)
	}
	return nil
}

// ListAttrs returns every attribute key set on path, sorted. Callers
// (dataview) are responsible for filtering reserved-prefix keys.
func (a *Adapter) ListAttrs(path string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rows, err := a.db.Query(`SELECT key FROM attributes WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("container: listAttrs(%s): %w", path, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
