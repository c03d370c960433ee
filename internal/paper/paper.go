// Package paper implements the top-level container lifecycle: opening and
// closing a .paper file, enumerating and creating items, declaring
// references to other papers, computing and walking the dependency graph,
// updating stale items in place, rebuilding into a fresh container, and
// snapshotting the whole container to a new file (spec.md §4.8).
package paper

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/active-papers/goactivepapers/internal/codelet"
	"github.com/active-papers/goactivepapers/internal/codeview"
	"github.com/active-papers/goactivepapers/internal/config"
	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/dataview"
	"github.com/active-papers/goactivepapers/internal/history"
	"github.com/active-papers/goactivepapers/internal/intfile"
	"github.com/active-papers/goactivepapers/internal/modloader"
	"github.com/active-papers/goactivepapers/internal/paperrors"
	"github.com/active-papers/goactivepapers/internal/pathutil"
	"github.com/active-papers/goactivepapers/internal/plog"
	"github.com/active-papers/goactivepapers/internal/provenance"
	"github.com/active-papers/goactivepapers/internal/registry"
)

const attrExternalDeps = "ACTIVE_PAPER_EXTERNAL_DEPENDENCIES"

// ReferenceResolver resolves a reference token naming another paper into the
// container adapter that holds it. refresolver.Resolver implements this;
// defined here (rather than imported from refresolver) so paper does not
// depend on refresolver, which opens and caches container adapters without
// importing paper.
type ReferenceResolver interface {
	Resolve(ref string) (*container.Adapter, error)
}

// Registry is the process-wide paper-identity -> *Paper map (spec.md §4.9).
var Registry = registry.New[Paper]()

// Paper is one open container and everything needed to run codelets against
// it: its module loader, its reference resolver, and the mutex that
// serializes codelet execution (concurrent codelets against one container
// are a non-goal, so this is a plain per-paper lock, not a process-wide one).
type Paper struct {
	c        *container.Adapter
	filename string
	id       string
	cfg      *config.Config
	resolver ReferenceResolver
	debug    bool

	mu      sync.Mutex
	loader  *modloader.Loader
	session *history.Entry
}

// Open opens (creating if absent) the paper at filename.
func Open(filename string, cfg *config.Config, resolver ReferenceResolver, debug bool) (*Paper, error) {
	c, existed, err := container.Open(filename)
	if err != nil {
		return nil, err
	}
	p := &Paper{
		c:        c,
		filename: filename,
		id:       uuid.NewString(),
		cfg:      cfg,
		resolver: resolver,
		debug:    debug,
	}
	if !existed {
		if err := p.bootstrap(); err != nil {
			c.Close()
			return nil, err
		}
	}
	deps, err := p.externalDeps()
	if err != nil {
		c.Close()
		return nil, err
	}
	p.loader = modloader.New(c, cfg.AllowedStdlib, cfg.RuntimePackages, deps)

	versions := make(map[string]string, len(deps))
	for _, d := range deps {
		versions[d] = "" // this engine does not resolve installed versions itself
	}
	session, err := history.Begin(c, versions)
	if err != nil {
		c.Close()
		return nil, err
	}
	p.session = session

	Registry.Register(p.id, p)
	plog.Get(plog.CategoryPaper).Info("opened %s id=%s", filename, p.id)
	return p, nil
}

func (p *Paper) bootstrap() error {
	return bootstrapContainer(p.c)
}

// bootstrapContainer lays down the three section groups and the history
// group a fresh container needs, shared by Open and RebuildInto (which
// populates a second container from scratch rather than reopening one).
func bootstrapContainer(c *container.Adapter) error {
	for _, section := range []pathutil.Section{pathutil.SectionCode, pathutil.SectionData, pathutil.SectionDocumentation} {
		if err := c.CreateGroup(string(section)); err != nil {
			return err
		}
		if err := provenance.Stamp(c, string(section), provenance.TagGroup, provenance.Attrs{}); err != nil {
			return err
		}
	}
	return history.Bootstrap(c)
}

// Close records the session's close timestamp, unregisters the paper, and
// releases its container handle.
func (p *Paper) Close() error {
	if err := p.session.End(p.c); err != nil {
		plog.Get(plog.CategoryPaper).Warn("history: failed to record close for %s: %v", p.filename, err)
	}
	Registry.Unregister(p.id)
	return p.c.Close()
}

// Filename implements codelet.Host.
func (p *Paper) Filename() string { return p.filename }

// ID implements codelet.Host, and is the key under which this paper is held
// in Registry. "self" references are resolved without it.
func (p *Paper) ID() string { return p.id }

// Container exposes the raw container adapter, for callers (the CLI,
// refresolver) that need direct low-level access.
func (p *Paper) Container() *container.Adapter { return p.c }

// --- dataview.Tracker, as the external-code pseudo-owner ---

// Path implements dataview.Tracker: the empty path identifies writes made
// directly against the paper, outside any codelet (spec.md §3).
func (p *Paper) Path() string { return "" }

// RecordDependency implements dataview.Tracker; the external-code
// pseudo-owner does not accumulate a dependency list of its own.
func (p *Paper) RecordDependency(string) {}

// RecordWrite implements dataview.Tracker; applyWriteStamp already performs
// the one stamp an external write needs.
func (p *Paper) RecordWrite(string) {}

// Owns implements dataview.Tracker and intfile.Owner: the external-code
// pseudo-owner may write anything (spec.md §3).
func (p *Paper) Owns(*container.Adapter, string) (bool, error) { return true, nil }

// Dereference implements dataview.Dereferencer: "" or "self" means this
// paper; any other token is resolved through the configured resolver.
func (p *Paper) Dereference(paperRef, path string) (*container.Adapter, string, error) {
	if paperRef == "" || paperRef == "self" {
		return p.c, path, nil
	}
	if p.resolver == nil {
		return nil, "", fmt.Errorf("%w: no reference resolver configured for %q", paperrors.ErrReferenceResolution, paperRef)
	}
	adapter, err := p.resolver.Resolve(paperRef)
	if err != nil {
		return nil, "", err
	}
	return adapter, path, nil
}

// --- views ---

// DataRoot returns the Data View root for direct (non-codelet) use.
func (p *Paper) DataRoot() *dataview.GroupView {
	return dataview.NewRoot(p.c, p, p, string(pathutil.SectionData))
}

// DocumentationRoot returns the Documentation View root.
func (p *Paper) DocumentationRoot() *dataview.GroupView {
	return dataview.NewRoot(p.c, p, p, string(pathutil.SectionDocumentation))
}

// CodeRoot returns the read-only Code View root.
func (p *Paper) CodeRoot() *codeview.View {
	return codeview.NewRoot(p.c, p)
}

// OpenInternalFile opens an internal file as the external-code pseudo-owner.
func (p *Paper) OpenInternalFile(absPath string, mode intfile.Mode, encoding string) (*intfile.File, error) {
	return intfile.Open(p.c, p, absPath, mode, encoding, externalStampCallback)
}

func externalStampCallback() (string, []string) { return "", nil }

// --- codelets ---

// CreateCalclet creates a new reproducible codelet at path.
func (p *Paper) CreateCalclet(path, language, source string) (*codelet.Codelet, error) {
	return p.createCodelet(path, language, source, provenance.TagCalclet, codelet.KindCalclet)
}

// CreateImportlet creates a new unrestricted, non-reproducible codelet.
func (p *Paper) CreateImportlet(path, language, source string) (*codelet.Codelet, error) {
	return p.createCodelet(path, language, source, provenance.TagImportlet, codelet.KindImportlet)
}

func (p *Paper) createCodelet(path, language, source string, tag provenance.Tag, kind codelet.Kind) (*codelet.Codelet, error) {
	abs, err := pathutil.Resolve(pathutil.SectionCode, path)
	if err != nil {
		return nil, err
	}
	if err := p.c.CreateDataset(abs); err != nil {
		return nil, err
	}
	if err := p.c.WriteBytes(abs, []byte(source)); err != nil {
		return nil, err
	}
	if err := provenance.Stamp(p.c, abs, tag, provenance.Attrs{}); err != nil {
		return nil, err
	}
	if err := p.c.SetAttr(abs, provenance.AttrLanguage, language); err != nil {
		return nil, err
	}
	return codelet.New(p, p.c, p.loader, p, abs, kind, language, p.debug), nil
}

// RunCodelet runs the already-stored codelet at absPath, serialized against
// every other codelet execution on this paper.
func (p *Paper) RunCodelet(absPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tag, hasTag, err := provenance.DatatypeTag(p.c, absPath)
	if err != nil {
		return err
	}
	if !hasTag || (tag != provenance.TagCalclet && tag != provenance.TagImportlet) {
		return fmt.Errorf("%w: %s is not a codelet", paperrors.ErrInvariant, absPath)
	}
	lang, _, err := p.c.GetAttr(absPath, provenance.AttrLanguage)
	if err != nil {
		return err
	}
	kind := codelet.KindCalclet
	if tag == provenance.TagImportlet {
		kind = codelet.KindImportlet
	}
	cl := codelet.New(p, p.c, p.loader, p, absPath, kind, lang, p.debug)
	return cl.Run()
}

// RemoveOwnedBy implements codelet.Host: delete every item this codelet
// generated on a previous run, before it runs again.
func (p *Paper) RemoveOwnedBy(codeletPath string) error {
	return removeOwnedBy(p.c, codeletPath)
}

func removeOwnedBy(c *container.Adapter, codeletPath string) error {
	var owned []string
	collect := func(node string) error {
		gen, has, err := provenance.GeneratingCodelet(c, node)
		if err != nil {
			return err
		}
		if has && gen == codeletPath {
			owned = append(owned, node)
		}
		return nil
	}
	if err := walkAdapter(c, string(pathutil.SectionData), collect); err != nil {
		return err
	}
	if err := walkAdapter(c, string(pathutil.SectionDocumentation), collect); err != nil {
		return err
	}

	owned = topLevelOnly(owned)
	for _, node := range owned {
		exists, err := c.Exists(node)
		if err != nil {
			return err
		}
		if !exists {
			continue // already removed as part of an ancestor's subtree
		}
		if err := c.DeleteNode(node); err != nil {
			return err
		}
	}
	return nil
}

func topLevelOnly(paths []string) []string {
	sort.Strings(paths)
	var top []string
	for _, p := range paths {
		covered := false
		for _, t := range top {
			if len(p) > len(t) && p[:len(t)] == t && p[len(t)] == '/' {
				covered = true
				break
			}
		}
		if !covered {
			top = append(top, p)
		}
	}
	return top
}

// Snapshot implements codelet.Host: deep-copies the whole container to a new
// file at targetPath, expanding reference items into the content they point
// at. Meant to be called from a long-running calclet so an external reader
// can inspect progress on a separate, stable file while this one is still
// being written (spec.md §4.8; exposed to codelet code as contents.Snapshot).
// The container never buffers writes across a Run, so there is nothing to
// flush first.
func (p *Paper) Snapshot(targetPath string) error {
	return snapshotContainer(p.c, p.Dereference, targetPath)
}

func (p *Paper) walk(root string, visit func(node string) error) error {
	return walkAdapter(p.c, root, visit)
}

func walkAdapter(c *container.Adapter, root string, visit func(node string) error) error {
	exists, err := c.Exists(root)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	children, err := c.ListChildren(root)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := visit(child); err != nil {
			return err
		}
		if err := walkAdapter(c, child, visit); err != nil {
			return err
		}
	}
	return nil
}

// --- modules ---

// AddModule stores source directly as a module at path, resolved under /code
// as given. Codelets can import it as "papers/<p>" only when it is stored at
// /code/python-packages/<p>; AddModule does not add that prefix itself.
func (p *Paper) AddModule(path, language, source string) error {
	abs, err := pathutil.Resolve(pathutil.SectionCode, path)
	if err != nil {
		return err
	}
	if err := p.c.CreateDataset(abs); err != nil {
		return err
	}
	if err := p.c.WriteBytes(abs, []byte(source)); err != nil {
		return err
	}
	if err := provenance.Stamp(p.c, abs, provenance.TagModule, provenance.Attrs{}); err != nil {
		return err
	}
	return p.c.SetAttr(abs, provenance.AttrLanguage, language)
}

// ImportModule reads a single file from the host filesystem into the
// container as a module.
func (p *Paper) ImportModule(hostPath, containerPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("paper: reading %s: %w", hostPath, err)
	}
	return p.AddModule(containerPath, languageForExt(hostPath), string(data))
}

// ImportModuleTree recursively imports a host directory as a package tree of
// modules, mirroring its directory structure under containerDir.
func (p *Paper) ImportModuleTree(hostDir, containerDir string) error {
	return filepath.WalkDir(hostDir, func(hostFile string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, hostFile)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := pathutil.Join(containerDir, filepath.ToSlash(rel))
		if d.IsDir() {
			exists, err := p.c.Exists(dst)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			if err := p.c.CreateGroup(dst); err != nil {
				return err
			}
			return provenance.Stamp(p.c, dst, provenance.TagGroup, provenance.Attrs{})
		}
		return p.ImportModule(hostFile, dst)
	})
}

func languageForExt(hostPath string) string {
	switch filepath.Ext(hostPath) {
	case ".go":
		return "go"
	default:
		return ""
	}
}

// DeclareExternalDependency adds pkg to the set of non-stdlib, non-runtime
// packages calclets on this paper may import, and rebuilds the loader so the
// change takes effect on the next codelet run.
func (p *Paper) DeclareExternalDependency(pkg string) error {
	deps, err := p.externalDeps()
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d == pkg {
			return nil
		}
	}
	deps = append(deps, pkg)
	sort.Strings(deps)
	encoded, err := json.Marshal(deps)
	if err != nil {
		return err
	}
	if err := p.c.SetAttr("/", attrExternalDeps, string(encoded)); err != nil {
		return err
	}
	p.loader = modloader.New(p.c, p.cfg.AllowedStdlib, p.cfg.RuntimePackages, deps)
	return nil
}

func (p *Paper) externalDeps() ([]string, error) {
	raw, ok, err := p.c.GetAttr("/", attrExternalDeps)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, fmt.Errorf("paper: malformed external dependency list: %w", err)
	}
	return deps, nil
}

// --- references ---

func (p *Paper) createReference(absPath, paperRef, targetPath string) error {
	if err := p.c.CreateDataset(absPath); err != nil {
		return err
	}
	encoded, err := json.Marshal([2]string{paperRef, targetPath})
	if err != nil {
		return err
	}
	if err := p.c.WriteBytes(absPath, encoded); err != nil {
		return err
	}
	return provenance.Stamp(p.c, absPath, provenance.TagReference, provenance.Attrs{})
}

// CreateDataRef creates a reference item under /data pointing at targetPath
// in the paper named by paperRef ("self" or a resolver-understood label).
func (p *Paper) CreateDataRef(path, paperRef, targetPath string) error {
	abs, err := pathutil.Resolve(pathutil.SectionData, path)
	if err != nil {
		return err
	}
	return p.createReference(abs, paperRef, targetPath)
}

// CreateCodeRef creates a reference item under /code.
func (p *Paper) CreateCodeRef(path, paperRef, targetPath string) error {
	abs, err := pathutil.Resolve(pathutil.SectionCode, path)
	if err != nil {
		return err
	}
	return p.createReference(abs, paperRef, targetPath)
}

// CreateModuleRef creates a reference item under /code pointing at a module
// in another paper, exactly as CreateCodeRef does; no python-packages prefix
// is added to either path. The module loader accepts only items tagged as
// modules and does not follow references, so the reference is not importable.
func (p *Paper) CreateModuleRef(path, paperRef, targetModulePath string) error {
	return p.CreateCodeRef(path, paperRef, targetModulePath)
}

// ExternalReferences lists every distinct non-self paper label referenced
// anywhere in this paper.
func (p *Paper) ExternalReferences() ([]string, error) {
	seen := map[string]bool{}
	var refs []string
	collect := func(node string) error {
		tag, hasTag, err := provenance.DatatypeTag(p.c, node)
		if err != nil {
			return err
		}
		if !hasTag || tag != provenance.TagReference {
			return nil
		}
		raw, err := p.c.ReadBytes(node)
		if err != nil {
			return err
		}
		var pair [2]string
		if err := json.Unmarshal(raw, &pair); err != nil {
			return fmt.Errorf("paper: malformed reference at %s: %w", node, err)
		}
		if pair[0] != "" && pair[0] != "self" && !seen[pair[0]] {
			seen[pair[0]] = true
			refs = append(refs, pair[0])
		}
		return nil
	}
	for _, root := range []string{string(pathutil.SectionCode), string(pathutil.SectionData), string(pathutil.SectionDocumentation)} {
		if err := p.walk(root, collect); err != nil {
			return nil, err
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// --- copy / dummy ---

// CreateCopy deep-copies src to dst, preserving src's original timestamp and
// recording dst's provenance (reserved attrs inherited by container.CopyNode
// are stripped of their derivation history first): the copy is attributed to
// generatingCodelet (empty for the external-code pseudo-owner) with no
// dependencies of its own, and carries a copied-from attribute pointing at
// src.
func (p *Paper) CreateCopy(src, dst, generatingCodelet string) error {
	ts, err := provenance.Timestamp(p.c, src)
	if err != nil {
		return err
	}
	if err := p.c.CopyNode(src, dst); err != nil {
		return err
	}
	if err := p.walk(dst, func(node string) error { return p.clearDerivedAttrs(node) }); err != nil {
		return err
	}
	if err := p.clearDerivedAttrs(dst); err != nil {
		return err
	}
	tag, _, err := provenance.DatatypeTag(p.c, dst)
	if err != nil {
		return err
	}
	if err := provenance.StampAt(p.c, dst, tag, provenance.Attrs{GeneratingCodelet: generatingCodelet, Dependencies: []string{}}, ts); err != nil {
		return err
	}
	return p.c.SetAttr(dst, provenance.AttrCopiedFrom, src)
}

func (p *Paper) clearDerivedAttrs(node string) error {
	if err := p.c.DeleteAttr(node, provenance.AttrGeneratingCodelet); err != nil {
		return err
	}
	return p.c.DeleteAttr(node, provenance.AttrDependencies)
}

// ReplaceByDummy empties a derived item's content while keeping its path,
// tag, and provenance attributes intact, so the dependency graph stays valid
// while the paper's on-disk size shrinks. Primary inputs (no generating
// codelet) cannot be replaced: there would be nothing left to regenerate
// them from.
func (p *Paper) ReplaceByDummy(path string) error {
	_, hasGen, err := provenance.GeneratingCodelet(p.c, path)
	if err != nil {
		return err
	}
	if !hasGen {
		return fmt.Errorf("%w: cannot replace primary input %s with a dummy", paperrors.ErrInvariant, path)
	}
	if err := p.c.WriteBytes(path, []byte{}); err != nil {
		return err
	}
	return p.c.SetAttr(path, provenance.AttrDummy, "1")
}

// --- enumeration, staleness, dependency graph ---

// IterItems lists every non-group (data, file, text, reference, ...) item
// under /data.
func (p *Paper) IterItems() ([]string, error) {
	var items []string
	err := p.walk(string(pathutil.SectionData), func(node string) error {
		tag, hasTag, err := provenance.DatatypeTag(p.c, node)
		if err != nil {
			return err
		}
		if hasTag && tag != provenance.TagGroup {
			items = append(items, node)
		}
		return nil
	})
	sort.Strings(items)
	return items, err
}

// IterGroups lists every structural or item-marked group under /data.
func (p *Paper) IterGroups() ([]string, error) {
	var groups []string
	err := p.walk(string(pathutil.SectionData), func(node string) error {
		kind, err := p.c.Kind(node)
		if err != nil {
			return err
		}
		if kind == container.KindGroup {
			groups = append(groups, node)
		}
		return nil
	})
	sort.Strings(groups)
	return groups, err
}

// IterDependencies lists path's recorded dependencies.
func (p *Paper) IterDependencies(path string) ([]string, error) {
	return provenance.Dependencies(p.c, path)
}

// IsStale reports whether path is older than any of its dependencies.
func (p *Paper) IsStale(path string) (bool, error) {
	return provenance.IsStale(p.c, path)
}

// DependencyGraph returns every tagged (non-group) item's dependency list,
// across /code, /data, and /documentation.
func (p *Paper) DependencyGraph() (map[string][]string, error) {
	graph := make(map[string][]string)
	collect := func(node string) error {
		tag, hasTag, err := provenance.DatatypeTag(p.c, node)
		if err != nil {
			return err
		}
		if !hasTag || tag == provenance.TagGroup {
			return nil
		}
		deps, err := provenance.Dependencies(p.c, node)
		if err != nil {
			return err
		}
		graph[node] = deps
		return nil
	}
	for _, root := range []string{string(pathutil.SectionCode), string(pathutil.SectionData), string(pathutil.SectionDocumentation)} {
		if err := p.walk(root, collect); err != nil {
			return nil, err
		}
	}
	return graph, nil
}

// DependencyHierarchy layers the whole dependency graph topologically:
// layer 0 has no dependencies, layer N depends only on layers < N. It
// returns an error wrapping paperrors.ErrInvariant if the graph is cyclic.
func (p *Paper) DependencyHierarchy() ([][]string, error) {
	graph, err := p.DependencyGraph()
	if err != nil {
		return nil, err
	}

	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string)
	for node := range graph {
		indegree[node] = 0
	}
	for node, deps := range graph {
		for _, d := range deps {
			if _, tracked := graph[d]; !tracked {
				continue
			}
			indegree[node]++
			dependents[d] = append(dependents[d], node)
		}
	}

	var current []string
	for node, deg := range indegree {
		if deg == 0 {
			current = append(current, node)
		}
	}
	sort.Strings(current)

	var layers [][]string
	remaining := len(graph)
	for len(current) > 0 {
		layers = append(layers, current)
		remaining -= len(current)
		seen := map[string]bool{}
		var next []string
		for _, node := range current {
			for _, dependent := range dependents[node] {
				indegree[dependent]--
				if indegree[dependent] == 0 && !seen[dependent] {
					seen[dependent] = true
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: dependency graph contains a cycle", paperrors.ErrInvariant)
	}
	return layers, nil
}

// --- cross-container copy (snapshot, rebuild-into-new-file) ---

// snapshotContainer deep-copies every item in src into a fresh container at
// targetPath, expanding TagReference items into the content they resolve to
// (storage.py's clone = h5py.File(filename, 'w'); for item in self.file:
// clone.copy(item, expand_refs=True)). deref resolves a reference's
// (paper-reference, path) pair the way Paper.Dereference does.
func snapshotContainer(src *container.Adapter, deref func(paperRef, path string) (*container.Adapter, string, error), targetPath string) error {
	if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("paper: removing existing %s: %w", targetPath, err)
	}
	dst, _, err := container.Open(targetPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	children, err := src.ListChildren("/")
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := copyExpandingReferences(src, child, dst, child, deref); err != nil {
			return err
		}
	}
	return copyNodeAttrs(src, dst, "/", "/")
}

// copyExpandingReferences copies the subtree rooted at srcPath (in src) to
// dstPath (in dst), recursing through any reference item it encounters
// rather than copying the raw reference pointer.
func copyExpandingReferences(src *container.Adapter, srcPath string, dst *container.Adapter, dstPath string, deref func(string, string) (*container.Adapter, string, error)) error {
	tag, hasTag, err := provenance.DatatypeTag(src, srcPath)
	if err != nil {
		return err
	}
	if hasTag && tag == provenance.TagReference {
		raw, err := src.ReadBytes(srcPath)
		if err != nil {
			return err
		}
		var pair [2]string
		if err := json.Unmarshal(raw, &pair); err != nil {
			return fmt.Errorf("paper: malformed reference at %s: %w", srcPath, err)
		}
		targetAdapter, targetPath, err := deref(pair[0], pair[1])
		if err != nil {
			return err
		}
		return copyExpandingReferences(targetAdapter, targetPath, dst, dstPath, deref)
	}

	kind, err := src.Kind(srcPath)
	if err != nil {
		return err
	}
	switch kind {
	case container.KindGroup:
		if err := dst.CreateGroup(dstPath); err != nil {
			return err
		}
	case container.KindDataset:
		if err := dst.CreateDataset(dstPath); err != nil {
			return err
		}
		data, err := src.ReadBytes(srcPath)
		if err != nil {
			return err
		}
		if err := dst.WriteBytes(dstPath, data); err != nil {
			return err
		}
	}
	if err := copyNodeAttrs(src, dst, srcPath, dstPath); err != nil {
		return err
	}

	children, err := src.ListChildren(srcPath)
	if err != nil {
		return err
	}
	for _, child := range children {
		name := pathutil.Base(child)
		if err := copyExpandingReferences(src, child, dst, pathutil.Join(dstPath, name), deref); err != nil {
			return err
		}
	}
	return nil
}

// copyNodeAttrs copies every attribute (reserved or user-set) verbatim from
// one node to another, possibly across containers. A verbatim copy preserves
// ACTIVE_PAPER_TIMESTAMP exactly, with no need to re-stamp through
// provenance.StampAt.
func copyNodeAttrs(src, dst *container.Adapter, srcPath, dstPath string) error {
	keys, err := src.ListAttrs(srcPath)
	if err != nil {
		return err
	}
	for _, key := range keys {
		value, ok, err := src.GetAttr(srcPath, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := dst.SetAttr(dstPath, key, value); err != nil {
			return err
		}
	}
	return nil
}

// ensureGroupPath creates every missing ancestor group of path in c, so an
// item copied in isolation (rather than as part of a whole-container walk)
// lands at the right place in the tree.
func ensureGroupPath(c *container.Adapter, path string) error {
	if path == "" || path == "/" {
		return nil
	}
	exists, err := c.Exists(path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := ensureGroupPath(c, pathutil.Dir(path)); err != nil {
		return err
	}
	if err := c.CreateGroup(path); err != nil {
		return err
	}
	return provenance.Stamp(c, path, provenance.TagGroup, provenance.Attrs{})
}

// RebuildInto creates a fresh container at targetPath, copies every
// zero-dependency item into it verbatim (preserving timestamps, expanding
// references), then runs each subsequent dependency layer's distinct
// generating codelets exactly once against the new container, in topological
// order (spec.md §4.8's rebuild(target); storage.py:497-519's
// ActivePaper(filename, 'w') plus its per-layer codelet reruns).
func (p *Paper) RebuildInto(targetPath string) error {
	layers, err := p.DependencyHierarchy()
	if err != nil {
		return err
	}

	if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("paper: removing existing %s: %w", targetPath, err)
	}
	dst, _, err := container.Open(targetPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if err := bootstrapContainer(dst); err != nil {
		return err
	}
	if err := copyNodeAttrs(p.c, dst, "/", "/"); err != nil {
		return err
	}
	if len(layers) == 0 {
		return nil
	}

	for _, item := range layers[0] {
		if err := ensureGroupPath(dst, pathutil.Dir(item)); err != nil {
			return err
		}
		if err := copyExpandingReferences(p.c, item, dst, item, p.Dereference); err != nil {
			return err
		}
	}

	deps, err := p.externalDeps()
	if err != nil {
		return err
	}
	loader := modloader.New(dst, p.cfg.AllowedStdlib, p.cfg.RuntimePackages, deps)
	host := &rebuildHost{c: dst, filename: targetPath, id: uuid.NewString(), resolver: p.resolver}

	for _, layer := range layers[1:] {
		generators := map[string]bool{}
		for _, item := range layer {
			gen, hasGen, err := provenance.GeneratingCodelet(p.c, item)
			if err != nil {
				return err
			}
			if hasGen {
				generators[gen] = true
			}
		}
		var codeletPaths []string
		for gen := range generators {
			codeletPaths = append(codeletPaths, gen)
		}
		sort.Strings(codeletPaths)
		for _, codeletPath := range codeletPaths {
			if err := runCodeletAgainst(dst, loader, host, codeletPath, p.debug); err != nil {
				return err
			}
		}
	}
	return nil
}

func runCodeletAgainst(c *container.Adapter, loader *modloader.Loader, host *rebuildHost, codeletPath string, debug bool) error {
	tag, hasTag, err := provenance.DatatypeTag(c, codeletPath)
	if err != nil {
		return err
	}
	if !hasTag || (tag != provenance.TagCalclet && tag != provenance.TagImportlet) {
		return fmt.Errorf("%w: %s is not a codelet", paperrors.ErrInvariant, codeletPath)
	}
	lang, _, err := c.GetAttr(codeletPath, provenance.AttrLanguage)
	if err != nil {
		return err
	}
	kind := codelet.KindCalclet
	if tag == provenance.TagImportlet {
		kind = codelet.KindImportlet
	}
	cl := codelet.New(host, c, loader, host, codeletPath, kind, lang, debug)
	return cl.Run()
}

// rebuildHost implements codelet.Host, dataview.Tracker (as the
// external-code pseudo-owner), and dataview.Dereferencer, scoped to the
// container RebuildInto is populating, so codelets can run against it
// through the same machinery Paper uses for its own container.
type rebuildHost struct {
	c        *container.Adapter
	filename string
	id       string
	resolver ReferenceResolver
}

func (h *rebuildHost) Filename() string { return h.filename }
func (h *rebuildHost) ID() string       { return h.id }

func (h *rebuildHost) RemoveOwnedBy(codeletPath string) error {
	return removeOwnedBy(h.c, codeletPath)
}

func (h *rebuildHost) Snapshot(targetPath string) error {
	return snapshotContainer(h.c, h.Dereference, targetPath)
}

func (h *rebuildHost) Path() string { return "" }

func (h *rebuildHost) RecordDependency(string) {}

func (h *rebuildHost) RecordWrite(string) {}

func (h *rebuildHost) Owns(*container.Adapter, string) (bool, error) { return true, nil }

func (h *rebuildHost) Dereference(paperRef, path string) (*container.Adapter, string, error) {
	if paperRef == "" || paperRef == "self" {
		return h.c, path, nil
	}
	if h.resolver == nil {
		return nil, "", fmt.Errorf("%w: no reference resolver configured for %q", paperrors.ErrReferenceResolution, paperRef)
	}
	adapter, err := h.resolver.Resolve(paperRef)
	if err != nil {
		return nil, "", err
	}
	return adapter, path, nil
}

var (
	_ dataview.Tracker      = (*rebuildHost)(nil)
	_ dataview.Dereferencer = (*rebuildHost)(nil)
	_ intfile.Owner         = (*rebuildHost)(nil)
	_ codelet.Host          = (*rebuildHost)(nil)
)

// Rebuild recomputes target and every stale dependency it transitively
// relies on, running generating codelets in dependency order, in place
// (cli.py's update() command — distinct from RebuildInto, which builds a
// fresh container from nothing).
func (p *Paper) Rebuild(target string) error {
	order, err := p.rebuildOrder(target)
	if err != nil {
		return err
	}
	for _, node := range order {
		stale, err := provenance.IsStale(p.c, node)
		if err != nil {
			return err
		}
		if !stale {
			continue
		}
		gen, hasGen, err := provenance.GeneratingCodelet(p.c, node)
		if err != nil {
			return err
		}
		if !hasGen {
			continue // a stale primary input cannot be regenerated
		}
		if err := p.RunCodelet(gen); err != nil {
			return err
		}
	}
	return nil
}

func (p *Paper) rebuildOrder(target string) ([]string, error) {
	visited := map[string]bool{}
	inProgress := map[string]bool{}
	var order []string
	var visit func(node string) error
	visit = func(node string) error {
		if visited[node] {
			return nil
		}
		if inProgress[node] {
			return fmt.Errorf("%w: dependency cycle through %s", paperrors.ErrInvariant, node)
		}
		inProgress[node] = true
		deps, err := provenance.Dependencies(p.c, node)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		inProgress[node] = false
		visited[node] = true
		order = append(order, node)
		return nil
	}
	if err := visit(target); err != nil {
		return nil, err
	}
	return order, nil
}

var (
	_ dataview.Tracker      = (*Paper)(nil)
	_ dataview.Dereferencer = (*Paper)(nil)
	_ intfile.Owner         = (*Paper)(nil)
	_ codelet.Host          = (*Paper)(nil)
)
