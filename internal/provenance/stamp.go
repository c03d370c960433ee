// Package provenance writes and reads the four reserved attributes that
// carry an item's datatype tag, timestamp, generating codelet, and
// dependency list, and enforces the legal tag-transition rules.
package provenance

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/paperrors"
	"github.com/active-papers/goactivepapers/internal/plog"
)

// Reserved attribute names (bit-exact per the container layout spec).
const (
	AttrDatatype          = "ACTIVE_PAPER_DATATYPE"
	AttrTimestamp         = "ACTIVE_PAPER_TIMESTAMP"
	AttrGeneratingCodelet = "ACTIVE_PAPER_GENERATING_CODELET"
	AttrDependencies      = "ACTIVE_PAPER_DEPENDENCIES"
	AttrLanguage          = "ACTIVE_PAPER_LANGUAGE"
	AttrCopiedFrom         = "ACTIVE_PAPER_COPIED_FROM"
	AttrDummy             = "ACTIVE_PAPER_DUMMY_DATASET"
)

// ReservedPrefix is stripped from user-visible attribute listings.
const ReservedPrefix = "ACTIVE_PAPER"

// Tag is the reserved datatype tag of an item.
type Tag string

const (
	TagData      Tag = "data"
	TagGroup     Tag = "group"
	TagCalclet   Tag = "calclet"
	TagImportlet Tag = "importlet"
	TagModule    Tag = "module"
	TagFile      Tag = "file"
	TagText      Tag = "text"
	TagReference Tag = "reference"
)

// legalTransitions lists the only tag mutations allowed after first stamp.
var legalTransitions = map[Tag]map[Tag]bool{
	TagGroup: {TagData: true},
	TagData:  {TagGroup: true},
	TagFile:  {TagText: true},
}

// IsReserved reports whether an attribute name belongs to the reserved set
// and must be hidden from user code.
func IsReserved(name string) bool {
	return len(name) >= len(ReservedPrefix) && name[:len(ReservedPrefix)] == ReservedPrefix
}

// Attrs is the set of optional values a stamp may set alongside the tag.
type Attrs struct {
	GeneratingCodelet string   // absolute path of the writing codelet, "" if primary input
	Dependencies      []string // unsorted is fine; Stamp sorts them
}

// NowMillis returns the current time as milliseconds since the epoch, the
// unit used throughout this package (see the timestamp-unit entry under
// DESIGN.md's Open Question resolutions).
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Stamp sets node's datatype tag (validating the transition if a tag is
// already present), generating-codelet and dependency-list attributes, and
// the current timestamp.
func Stamp(c *container.Adapter, node string, tag Tag, attrs Attrs) error {
	return stampAt(c, node, tag, attrs, NowMillis())
}

// StampAt is Stamp with an explicit timestamp, used when preserving a
// primary input's original timestamp (e.g. during copy or rebuild).
func StampAt(c *container.Adapter, node string, tag Tag, attrs Attrs, ts int64) error {
	return stampAt(c, node, tag, attrs, ts)
}

func stampAt(c *container.Adapter, node string, tag Tag, attrs Attrs, ts int64) error {
	timer := plog.StartTimer(plog.CategoryProvenance, "Stamp")
	defer timer.Stop()

	existing, hasExisting, err := c.GetAttr(node, AttrDatatype)
	if err != nil {
		return fmt.Errorf("provenance: stamp(%s): %w", node, err)
	}
	if hasExisting {
		if err := validateTransition(Tag(existing), tag); err != nil {
			return err
		}
	}

	if err := c.SetAttr(node, AttrDatatype, string(tag)); err != nil {
		return err
	}
	if err := c.SetAttr(node, AttrTimestamp, fmt.Sprintf("%d", ts)); err != nil {
		return err
	}
	if attrs.GeneratingCodelet != "" {
		if err := c.SetAttr(node, AttrGeneratingCodelet, attrs.GeneratingCodelet); err != nil {
			return err
		}
	}
	if attrs.Dependencies != nil {
		deps := append([]string(nil), attrs.Dependencies...)
		sort.Strings(deps)
		encoded, err := json.Marshal(deps)
		if err != nil {
			return fmt.Errorf("provenance: marshal dependencies for %s: %w", node, err)
		}
		if err := c.SetAttr(node, AttrDependencies, string(encoded)); err != nil {
			return err
		}
	}
	plog.Get(plog.CategoryProvenance).Debug("stamped %s tag=%s deps=%v ts=%d", node, tag, attrs.Dependencies, ts)
	return nil
}

func validateTransition(from, to Tag) error {
	if from == to {
		return nil
	}
	if allowed, ok := legalTransitions[from]; ok && allowed[to] {
		return nil
	}
	return fmt.Errorf("%w: illegal tag transition %s -> %s", paperrors.ErrInvariant, from, to)
}

// Timestamp reads node's stamped timestamp. If t is provided, it overwrites
// the stored timestamp instead (used to preserve a primary input's original
// timestamp through a copy).
func Timestamp(c *container.Adapter, node string, t ...int64) (int64, error) {
	if len(t) > 0 {
		if err := c.SetAttr(node, AttrTimestamp, fmt.Sprintf("%d", t[0])); err != nil {
			return 0, err
		}
		return t[0], nil
	}
	raw, ok, err := c.GetAttr(node, AttrTimestamp)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s has no timestamp attribute", paperrors.ErrMissingItem, node)
	}
	var ts int64
	if _, err := fmt.Sscanf(raw, "%d", &ts); err != nil {
		return 0, fmt.Errorf("provenance: malformed timestamp on %s: %w", node, err)
	}
	return ts, nil
}

// DatatypeTag reads node's datatype tag, or ("", false) if node is an
// un-elevated structural group with no tag at all.
func DatatypeTag(c *container.Adapter, node string) (Tag, bool, error) {
	raw, ok, err := c.GetAttr(node, AttrDatatype)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return Tag(raw), true, nil
}

// GeneratingCodelet reads node's generating-codelet path, or ("", false) for
// a primary input.
func GeneratingCodelet(c *container.Adapter, node string) (string, bool, error) {
	raw, ok, err := c.GetAttr(node, AttrGeneratingCodelet)
	if err != nil {
		return "", false, err
	}
	return raw, ok, nil
}

// Dependencies reads node's sorted dependency-list attribute.
func Dependencies(c *container.Adapter, node string) ([]string, error) {
	raw, ok, err := c.GetAttr(node, AttrDependencies)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("provenance: malformed dependency list on %s: %w", node, err)
	}
	return deps, nil
}

// IsStale reports whether node's timestamp predates any of its dependencies'
// timestamps.
func IsStale(c *container.Adapter, node string) (bool, error) {
	tag, hasTag, err := DatatypeTag(c, node)
	if err != nil {
		return false, err
	}
	if hasTag && tag == TagGroup {
		return false, nil // structural groups are never stale
	}

	ownTS, err := Timestamp(c, node)
	if err != nil {
		return false, err
	}
	deps, err := Dependencies(c, node)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		depTS, err := Timestamp(c, dep)
		if err != nil {
			return false, fmt.Errorf("provenance: isStale(%s): dependency %s: %w", node, dep, err)
		}
		if depTS > ownTS {
			return true, nil
		}
	}
	return false, nil
}
