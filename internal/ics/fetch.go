package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "upnext/internal/log"
	"upnext/internal/provider"
)

// Source represents a single ICS subscription source. Each source is
// exposed as one calendar.
type Source struct {
	// ID is an internal identifier (e.g., config ICS ID).
	ID string
	// Name is the human-friendly calendar title.
	Name string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source Source
	// Body is the ICS payload, fresh or from the disk cache.
	Body []byte
	// Status is the HTTP status the server answered with, or 0 when the
	// request never got a response and the cache was used instead.
	Status int
	// FromCache is true when Body came from the disk cache (304, or a
	// failed request with a cached copy).
	FromCache bool
	// CachedAt is when Body was last downloaded.
	CachedAt time.Time
}

// Rejected reports whether the server refused the credentials, even if a
// cached body was returned.
func (r FetchResult) Rejected() bool {
	return provider.IsAuthStatus(r.Status)
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// cached is what the disk cache holds for one URL.
type cached struct {
	dir  string
	meta cacheEntry
	body []byte
}

func (c cached) result(src Source, status int) FetchResult {
	return FetchResult{
		Source:    src,
		Body:      c.body,
		Status:    status,
		FromCache: true,
		CachedAt:  c.meta.UpdatedAt,
	}
}

// Fetcher downloads ICS feeds with conditional requests (ETag /
// Last-Modified) and keeps the last good body on disk so a failing feed
// keeps serving its previous calendar.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a new ICS Fetcher.
//
// cacheDir holds one subdirectory per feed URL. Example:
// "/var/lib/upnext/ics-cache".
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		// Relative fallback for development runs without root.
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
	}
}

// FetchAll fetches all given sources. Only sources that produced a body
// appear in the results; the others are reported in the error slice.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	var errs []error

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, err)
			appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, res)
	}

	return results, errs
}

// FetchOne fetches a single ICS source. A 304, a network failure or a
// non-OK status falls back to the cached body when there is one; without a
// cache the failure is returned, as a *provider.StatusError for HTTP
// statuses.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	c, err := f.openCache(src.URL)
	if err != nil {
		return FetchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if c.meta.ETag != "" {
		req.Header.Set("If-None-Match", c.meta.ETag)
	}
	if c.meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", c.meta.LastModified)
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if len(c.body) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
			return c.result(src, 0), nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		meta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(c.dir, &meta, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}
		appLog.Debug("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{
			Source:   src,
			Body:     body,
			Status:   resp.StatusCode,
			CachedAt: meta.UpdatedAt,
		}, nil

	case http.StatusNotModified:
		if len(c.body) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return c.result(src, resp.StatusCode), nil

	default:
		statusErr := &provider.StatusError{Code: resp.StatusCode, Status: resp.Status}
		if len(c.body) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", statusErr, "id", src.ID, "url", redactURL(src.URL))
			return c.result(src, resp.StatusCode), nil
		}
		return FetchResult{}, statusErr
	}
}

// openCache ensures the cache directory for url exists and loads whatever
// it holds. A missing or corrupt cache is treated as empty.
func (f *Fetcher) openCache(url string) (cached, error) {
	dir, err := f.cachePathForURL(url)
	if err != nil {
		return cached{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return cached{}, err
	}
	c := cached{dir: dir}
	c.meta, _ = f.loadCacheMeta(dir)
	c.body, _ = os.ReadFile(filepath.Join(dir, "body.ics"))
	return c, nil
}

func (f *Fetcher) cachePathForURL(url string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(url))
	// First 16 hex chars name the directory.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8])), nil
}

func (f *Fetcher) loadCacheMeta(dir string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

// saveCache writes body before meta so meta never points at a missing
// body. It stamps meta.UpdatedAt.
func (f *Fetcher) saveCache(dir string, meta *cacheEntry, body []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host of a feed URL for logging, since
// subscription URLs usually embed a secret token.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
