package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

const (
	simpleIndexMaxRetries = 3
	simpleIndexTimeout    = 30 * time.Second
)

// SimpleIndex is a Provider backed by a PEP 503 "simple repository" HTML
// index; PEP 658 data-core-metadata attributes are not read. It reuses
// internal/pypi/client.go's retry-with-backoff shape (transient vs.
// permanent error split, functional options, slog injection) but replaces
// JSON decoding with an HTML anchor-list parse, since a simple index's
// wire format is "a page of <a href> links", not JSON.
type SimpleIndex struct {
	httpClient *http.Client
	baseURL    string
	name       string
	logger     *slog.Logger
}

var _ Provider = (*SimpleIndex)(nil)

// SimpleIndexOption configures a SimpleIndex.
type SimpleIndexOption func(*SimpleIndex)

func WithSimpleIndexHTTPClient(c *http.Client) SimpleIndexOption {
	return func(s *SimpleIndex) {
		if c != nil {
			s.httpClient = c
		}
	}
}

func WithSimpleIndexLogger(l *slog.Logger) SimpleIndexOption {
	return func(s *SimpleIndex) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSimpleIndex builds a SimpleIndex provider for the repository rooted
// at baseURL (e.g. "https://pypi.org/simple"), registered under name for
// lock provenance and pinned-source lookup (pkgmodel.Source.IndexName).
func NewSimpleIndex(name, baseURL string, opts ...SimpleIndexOption) *SimpleIndex {
	s := &SimpleIndex{
		httpClient: &http.Client{Timeout: simpleIndexTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		name:       name,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *SimpleIndex) Name() string { return s.name }

// ListVersions fetches the project page (PEP 503 {base}/{name}/) and
// parses every file link into a PackageMetadata stub: distribution
// entries populated, dependencies left empty (FetchMetadata does not
// fill them in either).
func (s *SimpleIndex) ListVersions(ctx context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error) {
	projectURL := fmt.Sprintf("%s/%s/", s.baseURL, string(name))

	body, err := s.fetch(ctx, projectURL)
	if err != nil {
		return nil, err
	}

	links, err := parseAnchorList(body)
	if err != nil {
		return nil, errs.New(errs.KindNetworkFatal, "provider.SimpleIndex.ListVersions", err)
	}

	byVersion := map[string]*pkgmodel.PackageMetadata{}
	var order []string

	for _, link := range links {
		fname, verStr, ok := parseDistributionFilename(string(name), link.text)
		if !ok {
			continue
		}

		meta, ok := byVersion[verStr]
		if !ok {
			meta = &pkgmodel.PackageMetadata{ID: pkgmodel.PackageID{Name: name, Source: pkgmodel.Source{Kind: pkgmodel.SourceIndex, IndexName: s.name}}}
			byVersion[verStr] = meta
			order = append(order, verStr)
		}

		dist := pkgmodel.Distribution{
			Filename:   fname,
			URL:        resolveHref(projectURL, link.href),
			SHA256:     link.sha256,
			RequiresPy: link.requiresPython,
		}

		if strings.HasSuffix(fname, ".whl") {
			dist.IsWheel = true
			dist.PythonTag, dist.ABITag, dist.PlatformTag = parseWheelTags(fname)
		}

		meta.Distributions = append(meta.Distributions, dist)
	}

	out := make([]pkgmodel.PackageMetadata, 0, len(order))

	for _, v := range order {
		m := byVersion[v]

		ver, err := version.Parse(v)
		if err != nil {
			continue
		}

		m.ID.Version = ver
		out = append(out, *m)
	}

	return out, nil
}

// FetchMetadata returns only id for SimpleIndex: no METADATA file is
// fetched, so dependencies, distributions and requires-python are left
// empty. The resolver reads dependencies only through FetchMetadata, so
// a candidate from a simple index contributes no dependency edges.
func (s *SimpleIndex) FetchMetadata(_ context.Context, id pkgmodel.PackageID) (pkgmodel.PackageMetadata, error) {
	return pkgmodel.PackageMetadata{ID: id}, nil
}

func (s *SimpleIndex) FetchDistribution(ctx context.Context, dist pkgmodel.Distribution, dest string) error {
	body, err := s.fetch(ctx, dist.URL)
	if err != nil {
		return err
	}

	if dist.SHA256 != "" {
		sum := sha256.Sum256(body)
		if hex.EncodeToString(sum[:]) != dist.SHA256 {
			return errs.New(errs.KindArtifactHashMismatch, "provider.SimpleIndex.FetchDistribution",
				fmt.Errorf("sha256 mismatch for %s", dist.Filename))
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.New(errs.KindNetworkFatal, "provider.SimpleIndex.FetchDistribution", err)
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return errs.New(errs.KindNetworkFatal, "provider.SimpleIndex.FetchDistribution", err)
	}

	return os.Rename(tmp, dest)
}

// fetch performs an HTTP GET with exponential backoff for transient
// failures, mirroring internal/pypi/client.go's Service.fetch.
func (s *SimpleIndex) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error

	for attempt := range simpleIndexMaxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond

			s.logger.Debug("retrying simple index request", slog.String("url", rawURL), slog.Int("attempt", attempt+1))

			select {
			case <-ctx.Done():
				return nil, errs.New(errs.KindCancelled, "provider.SimpleIndex.fetch", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, retryable, err := s.doRequest(ctx, rawURL)
		if err == nil {
			return body, nil
		}

		if !retryable {
			return nil, errs.New(errs.KindNetworkFatal, "provider.SimpleIndex.fetch", err)
		}

		lastErr = err
	}

	return nil, errs.New(errs.KindNetworkTransient, "provider.SimpleIndex.fetch", fmt.Errorf("after %d attempts: %w", simpleIndexMaxRetries, lastErr))
}

func (s *SimpleIndex) doRequest(ctx context.Context, rawURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}

	req.Header.Set("Accept", "text/html")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, fmt.Errorf("not found: %s", rawURL)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, true, fmt.Errorf("server error %d from %s", resp.StatusCode, rawURL)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	return b, false, nil
}

type anchorLink struct {
	href           string
	text           string
	sha256         string
	requiresPython string
}

// parseAnchorList extracts every <a> tag's href, text, #sha256= fragment,
// and data-requires-python attribute from a PEP 503 index page.
func parseAnchorList(body []byte) ([]anchorLink, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	var links []anchorLink

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var link anchorLink

			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					link.href = attr.Val
				case "data-requires-python":
					link.requiresPython = attr.Val
				}
			}

			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				link.text = strings.TrimSpace(n.FirstChild.Data)
			}

			if idx := strings.Index(link.href, "#sha256="); idx >= 0 {
				link.sha256 = link.href[idx+len("#sha256="):]
				link.href = link.href[:idx]
			}

			if link.href != "" {
				links = append(links, link)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(doc)

	return links, nil
}

func resolveHref(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}

	h, err := url.Parse(href)
	if err != nil {
		return href
	}

	return b.ResolveReference(h).String()
}

// parseDistributionFilename reports whether filename is a distribution
// for name, returning the filename and the embedded version string.
func parseDistributionFilename(name, filename string) (fname, version string, ok bool) {
	base := filename

	switch {
	case strings.HasSuffix(base, ".whl"):
		base = strings.TrimSuffix(base, ".whl")

		parts := strings.Split(base, "-")
		if len(parts) < 2 {
			return "", "", false
		}

		return filename, parts[1], true
	case strings.HasSuffix(base, ".tar.gz"):
		base = strings.TrimSuffix(base, ".tar.gz")
	case strings.HasSuffix(base, ".zip"):
		base = strings.TrimSuffix(base, ".zip")
	default:
		return "", "", false
	}

	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return "", "", false
	}

	return filename, base[idx+1:], true
}

// parseWheelTags splits "name-version-pyTag-abiTag-platTag.whl" into its
// compatibility tags.
func parseWheelTags(filename string) (pyTag, abiTag, platTag string) {
	base := strings.TrimSuffix(filename, ".whl")
	parts := strings.Split(base, "-")

	if len(parts) < 5 {
		return "", "", ""
	}

	n := len(parts)

	return parts[n-3], parts[n-2], parts[n-1]
}
