// Package refresolver resolves "scheme:label" reference tokens into opened
// papers. The "local" scheme searches the configured library path for a
// matching .paper file; the "doi" scheme asks each configured DOIProvider in
// turn (this package offers a JSON-API provider and a landing-page
// HTML-scraping provider) until one returns a file, caches the fetched container
// under the library's cache directory, and opens it from there (spec.md
// §4.10, SPEC_FULL.md §7).
package refresolver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anaskhan96/soup"
	"golang.org/x/sync/singleflight"

	"github.com/active-papers/goactivepapers/internal/config"
	"github.com/active-papers/goactivepapers/internal/container"
	"github.com/active-papers/goactivepapers/internal/paperrors"
	"github.com/active-papers/goactivepapers/internal/plog"
)

// Opener opens a container file at a host path. cmd/papers passes a small
// wrapper around container.Open; kept minimal here to avoid importing package paper,
// which would close the paper <-> refresolver import cycle the other way.
type Opener func(path string) (*container.Adapter, error)

// DOIProvider downloads the container file for a DOI-identified paper to a
// local file and returns that file's path, or ("", nil) if it has nothing
// for that DOI.
type DOIProvider interface {
	Fetch(doi string) (localPath string, err error)
}

// Resolver implements paper.ReferenceResolver.
type Resolver struct {
	libraryPath []string
	cacheDir    string
	opener      Opener
	providers   []DOIProvider

	mu       sync.Mutex
	inflight singleflight.Group // de-dups concurrent resolutions of the same reference
	cached   map[string]*container.Adapter
}

// New constructs a Resolver. libraryPath is searched, in order, for "local"
// references; cacheDir holds containers fetched for "doi" references.
func New(cfg *config.Config, cacheDir string, opener Opener, providers ...DOIProvider) *Resolver {
	return &Resolver{
		libraryPath: cfg.LibraryPath,
		cacheDir:    cacheDir,
		opener:      opener,
		providers:   providers,
		cached:      make(map[string]*container.Adapter),
	}
}

// Resolve parses ref as "scheme:label" and returns the opened container for
// the paper it names. A paper is opened at most once per Resolver (each
// Resolver keeps its own cache, keyed by the reference string): repeated
// references to the same label return the same *container.Adapter, so
// concurrent-from-different-codelets references to one external paper don't
// race to open the same file twice.
func (r *Resolver) Resolve(ref string) (*container.Adapter, error) {
	scheme, label, err := splitRef(ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if c, ok := r.cached[ref]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	result, err, _ := r.inflight.Do(ref, func() (interface{}, error) {
		var path string
		var resolveErr error
		switch scheme {
		case "local":
			path, resolveErr = r.resolveLocal(label)
		case "doi":
			path, resolveErr = r.resolveDOI(label)
		default:
			resolveErr = fmt.Errorf("%w: unknown reference scheme %q", paperrors.ErrReferenceResolution, scheme)
		}
		if resolveErr != nil {
			return nil, resolveErr
		}
		c, openErr := r.opener(path)
		if openErr != nil {
			return nil, openErr
		}
		r.mu.Lock()
		r.cached[ref] = c
		r.mu.Unlock()
		plog.Get(plog.CategoryRefResolver).Info("resolved %s -> %s", ref, path)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*container.Adapter), nil
}

func splitRef(ref string) (scheme, label string, err error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed reference %q, want scheme:label", paperrors.ErrReferenceResolution, ref)
	}
	return parts[0], parts[1], nil
}

func (r *Resolver) resolveLocal(label string) (string, error) {
	for _, root := range r.libraryPath {
		candidate := filepath.Join(root, label)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		withExt := candidate + ".paper"
		if _, err := os.Stat(withExt); err == nil {
			return withExt, nil
		}
	}
	return "", fmt.Errorf("%w: local reference %q not found on library path", paperrors.ErrReferenceResolution, label)
}

func (r *Resolver) resolveDOI(doi string) (string, error) {
	cachePath := filepath.Join(r.cacheDir, sanitizeDOI(doi)+".paper")
	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, nil
	}
	if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating cache directory: %v", paperrors.ErrReferenceResolution, err)
	}

	for _, provider := range r.providers {
		fetched, err := provider.Fetch(doi)
		if err != nil {
			plog.Get(plog.CategoryRefResolver).Warn("doi provider failed for %s: %v", doi, err)
			continue
		}
		if fetched == "" {
			continue
		}
		tmp := cachePath + ".tmp"
		data, err := os.ReadFile(fetched)
		if err != nil {
			return "", fmt.Errorf("%w: reading fetched file: %v", paperrors.ErrReferenceResolution, err)
		}
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return "", fmt.Errorf("%w: staging cache file: %v", paperrors.ErrReferenceResolution, err)
		}
		if err := os.Rename(tmp, cachePath); err != nil {
			return "", fmt.Errorf("%w: finalizing cache file: %v", paperrors.ErrReferenceResolution, err)
		}
		return cachePath, nil
	}
	return "", fmt.Errorf("%w: no provider could resolve doi:%s", paperrors.ErrReferenceResolution, doi)
}

func sanitizeDOI(doi string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(doi)
}

// APIProvider resolves a DOI through a JSON metadata API that returns a
// direct download URL for the paper's container file.
type APIProvider struct {
	Endpoint string // e.g. "https://api.example.org/dois/%s"
	Client   *http.Client
	tmpDir   string
}

// NewAPIProvider constructs an APIProvider. tmpDir holds transient downloads
// before the caller's cache-rename step.
func NewAPIProvider(endpoint, tmpDir string) *APIProvider {
	return &APIProvider{Endpoint: endpoint, Client: &http.Client{Timeout: 30 * time.Second}, tmpDir: tmpDir}
}

type apiResponse struct {
	DownloadURL string `json:"download_url"`
}

// Fetch implements DOIProvider via the JSON API.
func (a *APIProvider) Fetch(doi string) (string, error) {
	resp, err := a.Client.Get(fmt.Sprintf(a.Endpoint, doi))
	if err != nil {
		return "", fmt.Errorf("refresolver: api request for %s: %w", doi, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresolver: api returned %s for %s", resp.Status, doi)
	}
	var meta apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("refresolver: decoding api response for %s: %w", doi, err)
	}
	if meta.DownloadURL == "" {
		return "", nil
	}
	return a.download(doi, meta.DownloadURL)
}

func (a *APIProvider) download(doi, url string) (string, error) {
	resp, err := a.Client.Get(url)
	if err != nil {
		return "", fmt.Errorf("refresolver: downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	path := filepath.Join(a.tmpDir, sanitizeDOI(doi)+".download")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return "", err
			}
		}
		if readErr != nil {
			break
		}
	}
	return path, nil
}

// HTMLProvider scrapes a DOI's landing page for a direct link to the paper's
// container file, for publishers with no JSON API (SPEC_FULL.md §7).
type HTMLProvider struct {
	LandingPageURL string // e.g. "https://doi.org/%s"
	LinkSelector   string // CSS-ish attribute to look for, e.g. a rel value
	tmpDir         string
}

// NewHTMLProvider constructs an HTMLProvider.
func NewHTMLProvider(landingPageURL, linkSelector, tmpDir string) *HTMLProvider {
	return &HTMLProvider{LandingPageURL: landingPageURL, LinkSelector: linkSelector, tmpDir: tmpDir}
}

// Fetch implements DOIProvider by scraping HTML with soup.
func (h *HTMLProvider) Fetch(doi string) (string, error) {
	page, err := soup.Get(fmt.Sprintf(h.LandingPageURL, doi))
	if err != nil {
		return "", fmt.Errorf("refresolver: fetching landing page for %s: %w", doi, err)
	}
	doc := soup.HTMLParse(page)
	link := doc.Find("link", "rel", h.LinkSelector)
	if link.Error != nil {
		return "", nil
	}
	href := link.Attrs()["href"]
	if href == "" {
		return "", nil
	}

	resp, err := http.Get(href)
	if err != nil {
		return "", fmt.Errorf("refresolver: downloading %s: %w", href, err)
	}
	defer resp.Body.Close()
	path := filepath.Join(h.tmpDir, sanitizeDOI(doi)+".download")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return "", err
			}
		}
		if readErr != nil {
			break
		}
	}
	return path, nil
}
