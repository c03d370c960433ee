// Package history records one entry per paper open/close, mirroring
// storage.py's update_history: when the file was opened and closed, the
// platform/hostname/username that had it open, and the version string of
// every declared external dependency at that time (SPEC_FULL.md §7). Entries
// live under /history as plain container nodes with plain attributes — they
// are process metadata, not provenance-tracked data, so they are not run
// through package provenance's tag-transition rules.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strconv"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/plog"
	"github.com/active-papers/goactivepapers/internal/provenance"
)

// Root is the container path under which history entries are stored.
const Root = "/history"

const (
	attrOpened   = "opened"
	attrClosed   = "closed"
	attrPlatform = "platform"
	attrHostname = "hostname"
	attrUsername = "username"
	attrVersions = "dependency_versions"
)

// Bootstrap creates the /history group. Safe to call only once, on a
// freshly created container (paper.Open already gates this the same way it
// gates /code, /data, /documentation).
func Bootstrap(c *container.Adapter) error {
	return c.CreateGroup(Root)
}

// Entry is a handle to one open/close record, returned by Begin and closed
// out by End.
type Entry struct {
	path string
}

// Begin records the start of a paper session: open timestamp, platform,
// hostname, username, and the version string of each declared external
// dependency (name -> version, e.g. from a "name==version" or "name
// vX.Y.Z" declaration — recorded verbatim as declared, since this engine
// does not itself resolve package versions).
func Begin(c *container.Adapter, deps map[string]string) (*Entry, error) {
	opened := provenance.NowMillis()
	path := fmt.Sprintf("%s/%d", Root, opened)
	if err := c.CreateDataset(path); err != nil {
		return nil, fmt.Errorf("history: begin: %w", err)
	}
	if err := c.SetAttr(path, attrOpened, strconv.FormatInt(opened, 10)); err != nil {
		return nil, err
	}
	if err := c.SetAttr(path, attrPlatform, runtime.GOOS+"/"+runtime.GOARCH); err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	if err := c.SetAttr(path, attrHostname, hostname); err != nil {
		return nil, err
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	if err := c.SetAttr(path, attrUsername, username); err != nil {
		return nil, err
	}
	if len(deps) > 0 {
		encoded, err := json.Marshal(deps)
		if err != nil {
			return nil, fmt.Errorf("history: marshal dependency versions: %w", err)
		}
		if err := c.SetAttr(path, attrVersions, string(encoded)); err != nil {
			return nil, err
		}
	}
	plog.Get(plog.CategoryPaper).Info("history: opened %s", path)
	return &Entry{path: path}, nil
}

// End records the close timestamp on this session's history entry.
func (e *Entry) End(c *container.Adapter) error {
	if e == nil {
		return nil
	}
	if err := c.SetAttr(e.path, attrClosed, strconv.FormatInt(provenance.NowMillis(), 10)); err != nil {
		return fmt.Errorf("history: end: %w", err)
	}
	plog.Get(plog.CategoryPaper).Info("history: closed %s", e.path)
	return nil
}
