// Package modloader intercepts import requests issued by codelet code. It
// resolves imports against /code/python-packages inside the container
// (compiling and caching them with the yaegi interpreter, and recording the
// import as a dependency), and otherwise enforces a whitelist of
// standard-library and declared-external packages a calclet may import.
//
// The source this engine is modeled on attributes an import to a running
// codelet by walking the host interpreter's call stack and mutating a
// process-global module table under a lock (spec.md §4.9, §5). Go gives each
// codelet its own *interp.Interpreter with its own symbol table, so "is
// there an active codelet" is a closure-captured field, not stack
// inspection, and no global table — hence no process-wide lock — is needed
// here (see SPEC_FULL.md §6 and DESIGN.md).
package modloader

import (
	"fmt"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"golang.org/x/sync/singleflight"

	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/paperrors"
	"github.com/active-papers/goactivepapers/internal/plog"
	"github.com/active-papers/goactivepapers/internal/provenance"
)

// VirtualModuleRoot is the container path under which in-paper modules
// importable by codelet code are stored.
const VirtualModuleRoot = "/code/python-packages"

// VirtualImportPrefix is the Go import-path prefix codelet source uses to
// name an in-container module, e.g. `import "papers/geometry/vectors"`
// resolves to /code/python-packages/geometry/vectors.
const VirtualImportPrefix = "papers/"

// DependencyRecorder is the subset of codelet.Tracker the loader needs.
type DependencyRecorder interface {
	RecordDependency(absPath string)
}

// Loader resolves imports for one paper's codelets against its
// python-packages tree, keeping the most recently read source of each
// module in a per-paper map (the source's `_local_modules` cache, spec.md
// §4.6). Every load re-reads the module from the container and evaluates it
// into the codelet's own interpreter; a stored source is not reused.
type Loader struct {
	c               *container.Adapter
	allowedStdlib   map[string]bool
	runtimePackages map[string]bool
	externalDeps    map[string]bool

	mu       sync.Mutex
	cached   map[string]bool   // import path -> source has been read from the container at least once
	sources  map[string]string // import path -> cached source string, scoped to this paper
	inflight singleflight.Group // de-dups concurrent compiles of the same import path
}

// New constructs a Loader for one paper.
func New(c *container.Adapter, allowedStdlib, runtimePackages, externalDeps []string) *Loader {
	l := &Loader{
		c:               c,
		allowedStdlib:   toSet(allowedStdlib),
		runtimePackages: toSet(runtimePackages),
		externalDeps:    toSet(externalDeps),
		cached:          make(map[string]bool),
		sources:         make(map[string]string),
	}
	return l
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

// Imports extracts the import paths declared by a codelet's Go source.
func Imports(source string) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "codelet.go", source, parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("modloader: failed to parse imports: %w", err)
	}
	var paths []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("modloader: malformed import %s: %w", imp.Path.Value, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// PrepareCalclet validates and loads every import a calclet's source
// declares, enforcing the whitelist on host packages and compiling
// in-container modules into interp. language is the codelet's declared
// source language attribute (e.g. "go"), matched against module nodes.
func (l *Loader) PrepareCalclet(i *interp.Interpreter, source, language string, recorder DependencyRecorder) error {
	imports, err := Imports(source)
	if err != nil {
		return err
	}
	for _, imp := range imports {
		if strings.HasPrefix(imp, VirtualImportPrefix) {
			if err := l.loadVirtualModule(i, imp, language, recorder); err != nil {
				return err
			}
			continue
		}
		if err := l.checkWhitelist(imp); err != nil {
			return err
		}
	}
	return nil
}

// PrepareImportlet loads in-container modules an importlet imports, but
// does not enforce the whitelist and does not record dependencies — an
// importlet's output is not contractually reproducible (spec.md §4.6).
func (l *Loader) PrepareImportlet(i *interp.Interpreter, source, language string) error {
	imports, err := Imports(source)
	if err != nil {
		return err
	}
	for _, imp := range imports {
		if strings.HasPrefix(imp, VirtualImportPrefix) {
			if err := l.loadVirtualModule(i, imp, language, noopRecorder{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) checkWhitelist(imp string) error {
	top := strings.SplitN(imp, "/", 2)[0]
	if l.runtimePackages[top] || l.runtimePackages[imp] {
		return nil
	}
	if l.externalDeps[top] || l.externalDeps[imp] {
		return nil
	}
	if l.allowedStdlib[imp] {
		return nil
	}
	return fmt.Errorf("%w: %q is not in the external-dependencies set, the standard-library allow-list, or the runtime packages", paperrors.ErrForbiddenImport, imp)
}

func (l *Loader) loadVirtualModule(i *interp.Interpreter, importPath, language string, recorder DependencyRecorder) error {
	_, loadErr, _ := l.inflight.Do(importPath, func() (interface{}, error) {
		return nil, l.compileAndCache(importPath, language)
	})
	if loadErr != nil {
		return loadErr
	}

	source := l.sourceFor(importPath)
	if source == "" {
		return fmt.Errorf("%w: module %q failed to load", paperrors.ErrMissingItem, importPath)
	}
	if _, err := i.Eval(source); err != nil {
		return fmt.Errorf("modloader: compiling %q failed: %w", importPath, err)
	}

	nodePath, err := modulePathFor(importPath)
	if err != nil {
		return err
	}
	recorder.RecordDependency(nodePath)
	plog.Get(plog.CategoryModLoader).Info("loaded module %s from %s", importPath, nodePath)
	return nil
}

func (l *Loader) sourceFor(importPath string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sources[importPath]
}

func modulePathFor(importPath string) (string, error) {
	rel := strings.TrimPrefix(importPath, VirtualImportPrefix)
	if rel == "" {
		return "", fmt.Errorf("modloader: empty module import %q", importPath)
	}
	return VirtualModuleRoot + "/" + rel, nil
}

func (l *Loader) compileAndCache(importPath, language string) error {
	nodePath, err := modulePathFor(importPath)
	if err != nil {
		return err
	}
	kind, err := l.c.Kind(nodePath)
	if err != nil {
		return fmt.Errorf("%w: in-container module %q not found: %v", paperrors.ErrMissingItem, importPath, err)
	}

	var srcPath string
	if kind == container.KindGroup {
		initPath := nodePath + "/__init__"
		exists, err := l.c.Exists(initPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: package %q has no __init__ module", paperrors.ErrMissingItem, importPath)
		}
		srcPath = initPath
	} else {
		tag, hasTag, err := provenance.DatatypeTag(l.c, nodePath)
		if err != nil {
			return err
		}
		if !hasTag || tag != provenance.TagModule {
			return fmt.Errorf("%w: %q is not tagged as a module", paperrors.ErrInvariant, importPath)
		}
		lang, _, err := l.c.GetAttr(nodePath, provenance.AttrLanguage)
		if err != nil {
			return err
		}
		if language != "" && lang != language {
			return fmt.Errorf("%w: module %q is written in %s, codelet is %s", paperrors.ErrInvariant, importPath, lang, language)
		}
		srcPath = nodePath
	}

	raw, err := l.c.ReadBytes(srcPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.sources[importPath] = string(raw)
	l.cached[importPath] = true
	l.mu.Unlock()
	return nil
}

type noopRecorder struct{}

func (noopRecorder) RecordDependency(string) {}
