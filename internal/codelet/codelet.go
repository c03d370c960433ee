// Package codelet implements the Codelet Runtime: preparing the restricted
// execution environment, running a codelet's compiled source inside a
// dedicated yaegi interpreter, collecting accumulated dependencies, and
// stamping outputs. Calclet (reproducible, restricted) and Importlet
// (unrestricted, non-reproducible) share this skeleton (spec.md §4.7).
package codelet

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/active-papers/goactivepapers/internal/codeview"
	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/dataview"
	"github.com/active-papers/goactivepapers/internal/intfile"
	"github.com/active-papers/goactivepapers/internal/modloader"
	"github.com/active-papers/goactivepapers/internal/paperrors"
	"github.com/active-papers/goactivepapers/internal/pathutil"
	"github.com/active-papers/goactivepapers/internal/plog"
	"github.com/active-papers/goactivepapers/internal/provenance"
	"github.com/active-papers/goactivepapers/internal/registry"
)

// Kind distinguishes a calclet from an importlet.
type Kind string

const (
	KindCalclet   Kind = "calclet"
	KindImportlet Kind = "importlet"
)

func (k Kind) tag() provenance.Tag {
	if k == KindImportlet {
		return provenance.TagImportlet
	}
	return provenance.TagCalclet
}

// Host is the subset of paper.Paper a running codelet needs. Defining it
// here (rather than importing package paper) avoids a circular dependency:
// paper imports codelet, not the reverse.
type Host interface {
	RemoveOwnedBy(codeletPath string) error
	// Snapshot deep-copies the whole container to a new file at target,
	// expanding reference items, so an external reader can inspect
	// progress on a stable file while this codelet keeps running
	// (spec.md §4.8, exposed to codelet code as contents.Snapshot).
	Snapshot(target string) error
	Filename() string
	ID() string
}

// Registry is the process-wide (paper, codelet-path) -> *Codelet map
// (spec.md §4.9).
var Registry = registry.New[Codelet]()

// Codelet is a running or completed execution of one codelet script.
type Codelet struct {
	host      Host
	c         *container.Adapter
	loader    *modloader.Loader
	deref     dataview.Dereferencer
	path      string
	kind      Kind
	language  string
	debug     bool

	mu            sync.Mutex
	dependencies  map[string]struct{}
	touched       map[string]struct{}
	lastTraceback Traceback
}

// Traceback is the file/line/function a codelet's most recent failure
// occurred at, extracted from yaegi's error text (execution.py's
// exception_traceback, spec.md §7 supplemented features).
type Traceback struct {
	File string
	Line int
	Func string
}

var tracebackPattern = regexp.MustCompile(`([^\s:]+\.go):(\d+)(?::\d+)?:\s*(?:in function (\S+))?`)

// ExceptionTraceback returns the file/line/function of the codelet's most
// recent failed Run, or the zero Traceback and false if it has not failed.
func (c *Codelet) ExceptionTraceback() (Traceback, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTraceback, c.lastTraceback.File != ""
}

// New constructs a Codelet ready to Run.
func New(host Host, c *container.Adapter, loader *modloader.Loader, deref dataview.Dereferencer, path string, kind Kind, language string, debug bool) *Codelet {
	return &Codelet{
		host:         host,
		c:            c,
		loader:       loader,
		deref:        deref,
		path:         path,
		kind:         kind,
		language:     language,
		debug:        debug,
		dependencies: make(map[string]struct{}),
		touched:      make(map[string]struct{}),
	}
}

// Path is the codelet's own absolute path. Implements dataview.Tracker and
// intfile.Owner indirectly through Owns.
func (c *Codelet) Path() string { return c.path }

// RecordDependency implements dataview.Tracker and modloader.DependencyRecorder.
func (c *Codelet) RecordDependency(absPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependencies[absPath] = struct{}{}
}

// RecordWrite implements dataview.Tracker.
func (c *Codelet) RecordWrite(absPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touched[absPath] = struct{}{}
}

// Owns implements dataview.Tracker / intfile.Owner: a codelet owns only
// items whose generating-codelet attribute equals its own path; an item
// with no generating codelet is not owned. Items that do not exist yet are
// handled by the callers before Owns is consulted. The external-code
// pseudo-owner (empty path) owns everything (spec.md §3).
func (c *Codelet) Owns(container *container.Adapter, absPath string) (bool, error) {
	if c.path == "" {
		return true, nil
	}
	gen, hasGen, err := provenance.GeneratingCodelet(container, absPath)
	if err != nil {
		return false, err
	}
	if !hasGen {
		return false, nil
	}
	return gen == c.path, nil
}

// DependencyAttributes is the intfile.StampCallback: the codelet's own path
// as generating codelet, plus its dependencies-so-far union {path}, sorted.
func (c *Codelet) DependencyAttributes() (string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deps := make([]string, 0, len(c.dependencies)+1)
	for d := range c.dependencies {
		deps = append(deps, d)
	}
	deps = append(deps, c.path)
	sort.Strings(deps)
	return c.path, deps
}

// OpenDataFile opens an internal file under /data for this codelet.
func (c *Codelet) OpenDataFile(path string, mode string, encoding string) (*intfile.File, error) {
	return c.openFile(pathutil.SectionData, path, mode, encoding)
}

// OpenDocumentationFile opens an internal file under /documentation.
func (c *Codelet) OpenDocumentationFile(path string, mode string, encoding string) (*intfile.File, error) {
	return c.openFile(pathutil.SectionDocumentation, path, mode, encoding)
}

func (c *Codelet) openFile(section pathutil.Section, p, mode, encoding string) (*intfile.File, error) {
	abs, err := pathutil.Resolve(section, p)
	if err != nil {
		return nil, err
	}
	f, err := intfile.Open(c.c, c, abs, intfile.Mode(mode), encoding, c.DependencyAttributes)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(mode, "r") {
		c.RecordDependency(abs)
	}
	return f, nil
}

// Run executes the codelet's source. On success it returns nil and has
// stamped every item it touched with the final dependency list. On failure
// it returns an error wrapping paperrors.ErrCodeletExecution (and, in debug
// mode, panics instead so a host debugger can attach, per spec.md §7).
func (c *Codelet) Run() (err error) {
	timer := plog.StartTimer(plog.CategoryCodelet, "Run "+c.path)
	defer timer.Stop()

	plog.Get(plog.CategoryCodelet).Info("running %s %s", c.kind, c.path)

	if err := c.host.RemoveOwnedBy(c.path); err != nil {
		return fmt.Errorf("codelet: removing items previously owned by %s: %w", c.path, err)
	}

	source, err := c.c.ReadBytes(c.path)
	if err != nil {
		return fmt.Errorf("codelet: reading source of %s: %w", c.path, err)
	}

	Registry.Register(c.host.ID()+":"+c.path, c)
	defer Registry.Unregister(c.host.ID() + ":" + c.path)

	runErr := c.execute(string(source))

	// Partial writes are not rolled back on failure (spec.md §4.7); every
	// touched item still gets the final, accurate dependency list.
	if stampErr := c.stampTouched(); stampErr != nil && runErr == nil {
		runErr = stampErr
	}

	if runErr != nil {
		rewritten := c.rewriteTraceback(runErr.Error())
		c.mu.Lock()
		c.lastTraceback = parseTraceback(c.path, rewritten)
		c.mu.Unlock()
		wrapped := fmt.Errorf("%w: %s: %v", paperrors.ErrCodeletExecution, c.path, rewritten)
		if c.debug {
			panic(wrapped)
		}
		return wrapped
	}
	return nil
}

// parseTraceback extracts a best-effort file/line/function triple from a
// yaegi error string. If nothing matches, it falls back to pointing at the
// codelet itself so ExceptionTraceback still reports something for a
// failure yaegi didn't attribute to a specific line.
func parseTraceback(codeletPath, msg string) Traceback {
	m := tracebackPattern.FindStringSubmatch(msg)
	if m == nil {
		return Traceback{File: codeletPath}
	}
	line, _ := strconv.Atoi(m[2])
	return Traceback{File: m[1], Line: line, Func: m[3]}
}

func (c *Codelet) execute(source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("initializing interpreter: %w", err)
	}

	dataRoot := dataview.NewRoot(c.c, c, c.deref, string(pathutil.SectionData))
	codeRoot := codeview.NewRoot(c.c, c.deref)
	contents := map[string]reflect.Value{
		"Data":              reflect.ValueOf(dataRoot),
		"Code":              reflect.ValueOf(codeRoot),
		"Open":              reflect.ValueOf(c.OpenDataFile),
		"OpenDocumentation": reflect.ValueOf(c.OpenDocumentationFile),
		"Snapshot":          reflect.ValueOf(c.host.Snapshot),
	}
	if err := i.Use(interp.Exports{"contents/contents": contents}); err != nil {
		return fmt.Errorf("installing contents facade: %w", err)
	}

	if c.kind == KindCalclet {
		if err := c.loader.PrepareCalclet(i, source, c.language, c); err != nil {
			return err
		}
	} else {
		if err := c.loader.PrepareImportlet(i, source, c.language); err != nil {
			return err
		}
	}

	if _, err := i.Eval(wrapSource(source)); err != nil {
		return fmt.Errorf("compiling %s: %w", c.path, err)
	}
	runFn, err := i.Eval("main.Run")
	if err != nil {
		return fmt.Errorf("%s does not define func Run() error: %w", c.path, err)
	}
	run, ok := runFn.Interface().(func() error)
	if !ok {
		return fmt.Errorf("%s: Run has the wrong signature, want func() error", c.path)
	}
	return run()
}

func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}

func (c *Codelet) rewriteTraceback(msg string) string {
	return strings.ReplaceAll(msg, c.host.ID()+":", c.host.Filename()+":")
}

func (c *Codelet) stampTouched() error {
	_, finalDeps := c.DependencyAttributes()
	c.mu.Lock()
	touched := make([]string, 0, len(c.touched))
	for t := range c.touched {
		touched = append(touched, t)
	}
	c.mu.Unlock()
	sort.Strings(touched)

	for _, path := range touched {
		tag, hasTag, err := provenance.DatatypeTag(c.c, path)
		if err != nil {
			return err
		}
		if !hasTag {
			tag = c.kind.tag()
		}
		if err := provenance.Stamp(c.c, path, tag, provenance.Attrs{
			GeneratingCodelet: c.path,
			Dependencies:      finalDeps,
		}); err != nil {
			return fmt.Errorf("codelet: final stamp of %s: %w", path, err)
		}
	}
	return nil
}
