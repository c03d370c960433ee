// Package codeview is a read-only projection of /code, used for inspection
// only — unlike dataview it never records dependencies, since reading
// another codelet's source for display is not itself a derivation step.
package codeview

import (
	"encoding/json"
	"fmt"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/dataview"
	"github.com/active-papers/goactivepapers/internal/pathutil"
	"github.com/active-papers/goactivepapers/internal/provenance"
)

// CodeFile is a lightweight descriptor for an item under /code.
type CodeFile struct {
	Path     string
	Tag      provenance.Tag
	Language string
	Source   string
}

// View is the read-only wrapper over /code.
type View struct {
	c     *container.Adapter
	deref dataview.Dereferencer
	path  string
}

// NewRoot constructs the Code View rooted at "/code".
func NewRoot(c *container.Adapter, deref dataview.Dereferencer) *View {
	return &View{c: c, deref: deref, path: string(pathutil.SectionCode)}
}

// Get resolves rel to a CodeFile, following reference items transparently.
func (v *View) Get(rel string) (*CodeFile, error) {
	absPath := pathutil.Join(v.path, rel)
	c, resolved, err := v.resolveReference(absPath)
	if err != nil {
		return nil, err
	}

	tag, hasTag, err := provenance.DatatypeTag(c, resolved)
	if err != nil {
		return nil, err
	}
	if !hasTag {
		return nil, fmt.Errorf("codeview: %s has no datatype tag", resolved)
	}
	lang, _, err := c.GetAttr(resolved, provenance.AttrLanguage)
	if err != nil {
		return nil, err
	}
	raw, err := c.ReadBytes(resolved)
	if err != nil {
		return nil, err
	}
	return &CodeFile{Path: resolved, Tag: tag, Language: lang, Source: string(raw)}, nil
}

func (v *View) resolveReference(absPath string) (*container.Adapter, string, error) {
	tag, hasTag, err := provenance.DatatypeTag(v.c, absPath)
	if err != nil {
		return nil, "", err
	}
	if !hasTag || tag != provenance.TagReference {
		return v.c, absPath, nil
	}
	raw, err := v.c.ReadBytes(absPath)
	if err != nil {
		return nil, "", err
	}
	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, "", fmt.Errorf("codeview: malformed reference at %s: %w", absPath, err)
	}
	return v.deref.Dereference(pair[0], pair[1])
}

// Children lists the immediate child paths under rel.
func (v *View) Children(rel string) ([]string, error) {
	absPath := pathutil.Join(v.path, rel)
	return v.c.ListChildren(absPath)
}
