package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/version"
)

const (
	jsonIndexDefaultBaseURL = "https://pypi.org/pypi"
	jsonIndexMaxRetries     = 3
	jsonIndexTimeout        = 30 * time.Second
)

// JSONIndex is a Provider backed by PyPI's (or a PyPI-compatible mirror's)
// JSON API. This is internal/pypi/client.go's Service, generalized from a
// single hardcoded concern (fetch one package's JSON) into the Provider
// interface the registry dispatches across: its retry/backoff/transient
// split is unchanged, only the return types moved from pypi.PackageInfo
// to pkgmodel.PackageMetadata.
type JSONIndex struct {
	httpClient *http.Client
	baseURL    string
	name       string
	logger     *slog.Logger
}

var _ Provider = (*JSONIndex)(nil)

type JSONIndexOption func(*JSONIndex)

func WithJSONIndexHTTPClient(c *http.Client) JSONIndexOption {
	return func(s *JSONIndex) {
		if c != nil {
			s.httpClient = c
		}
	}
}

func WithJSONIndexBaseURL(url string) JSONIndexOption {
	return func(s *JSONIndex) {
		if url != "" {
			s.baseURL = url
		}
	}
}

func WithJSONIndexLogger(l *slog.Logger) JSONIndexOption {
	return func(s *JSONIndex) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewJSONIndex builds a JSONIndex provider. name defaults to "pypi" when
// empty, matching the teacher's single hardcoded index.
func NewJSONIndex(name string, opts ...JSONIndexOption) *JSONIndex {
	if name == "" {
		name = "pypi"
	}

	s := &JSONIndex{
		httpClient: &http.Client{Timeout: jsonIndexTimeout},
		baseURL:    jsonIndexDefaultBaseURL,
		name:       name,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *JSONIndex) Name() string { return s.name }

func (s *JSONIndex) ListVersions(ctx context.Context, name pkgmodel.Name) ([]pkgmodel.PackageMetadata, error) {
	info, err := s.fetch(ctx, fmt.Sprintf("%s/%s/json", s.baseURL, name))
	if err != nil {
		return nil, err
	}

	out := make([]pkgmodel.PackageMetadata, 0, len(info.Releases))

	for verStr, urls := range info.Releases {
		if len(urls) == 0 {
			continue
		}

		v, err := version.Parse(verStr)
		if err != nil {
			s.logger.Debug("skipping unparsable release", slog.String("package", string(name)), slog.String("version", verStr))
			continue
		}

		out = append(out, pjsonMetadata(name, v, s.name, urls))
	}

	return out, nil
}

func (s *JSONIndex) FetchMetadata(ctx context.Context, id pkgmodel.PackageID) (pkgmodel.PackageMetadata, error) {
	info, err := s.fetch(ctx, fmt.Sprintf("%s/%s/%s/json", s.baseURL, id.Name, id.Version))
	if err != nil {
		return pkgmodel.PackageMetadata{}, err
	}

	meta := pjsonMetadata(id.Name, id.Version, s.name, info.URLs)
	meta.Yanked = info.Info.Yanked
	meta.YankedReason = info.Info.YankedReason

	if info.Info.RequiresPython != "" {
		if c, err := version.ParseSpecifierSet(info.Info.RequiresPython); err == nil {
			meta.RequiresPy = c
		}
	}

	for _, raw := range info.Info.RequiresDist {
		req, err := parseRequiresDist(raw)
		if err != nil {
			s.logger.Debug("skipping unparsable requires_dist entry", slog.String("raw", raw), slog.String("error", err.Error()))
			continue
		}

		meta.Dependencies = append(meta.Dependencies, req)
	}

	return meta, nil
}

func (s *JSONIndex) FetchDistribution(ctx context.Context, dist pkgmodel.Distribution, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dist.URL, nil)
	if err != nil {
		return errs.New(errs.KindNetworkFatal, "provider.JSONIndex.FetchDistribution", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.KindNetworkTransient, "provider.JSONIndex.FetchDistribution", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.KindNetworkFatal, "provider.JSONIndex.FetchDistribution",
			fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, dist.URL))
	}

	h := sha256.New()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.New(errs.KindNetworkFatal, "provider.JSONIndex.FetchDistribution", err)
	}

	tmp := dest + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errs.New(errs.KindNetworkFatal, "provider.JSONIndex.FetchDistribution", err)
	}

	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)

		return errs.New(errs.KindNetworkTransient, "provider.JSONIndex.FetchDistribution", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errs.New(errs.KindNetworkFatal, "provider.JSONIndex.FetchDistribution", err)
	}

	if dist.SHA256 != "" && hex.EncodeToString(h.Sum(nil)) != dist.SHA256 {
		_ = os.Remove(tmp)

		return errs.New(errs.KindArtifactHashMismatch, "provider.JSONIndex.FetchDistribution",
			fmt.Errorf("sha256 mismatch for %s", dist.Filename))
	}

	return os.Rename(tmp, dest)
}

type jsonPackageInfo struct {
	Info     jsonInfo           `json:"info"`
	URLs     []jsonURL          `json:"urls"`
	Releases map[string][]jsonURL `json:"releases"`
}

type jsonInfo struct {
	RequiresDist   []string `json:"requires_dist"`
	RequiresPython string   `json:"requires_python"`
	Yanked         bool     `json:"yanked"`
	YankedReason   string   `json:"yanked_reason"`
}

type jsonURL struct {
	Filename       string      `json:"filename"`
	URL            string      `json:"url"`
	PackageType    string      `json:"packagetype"`
	PythonVersion  string      `json:"python_version"`
	RequiresPython string      `json:"requires_python"`
	Digests        jsonDigests `json:"digests"`
}

type jsonDigests struct {
	SHA256 string `json:"sha256"`
}

func pjsonMetadata(name pkgmodel.Name, v version.Version, sourceName string, urls []jsonURL) pkgmodel.PackageMetadata {
	meta := pkgmodel.PackageMetadata{
		ID: pkgmodel.PackageID{Name: name, Version: v, Source: pkgmodel.Source{Kind: pkgmodel.SourceIndex, IndexName: sourceName}},
	}

	for _, u := range urls {
		dist := pkgmodel.Distribution{
			Filename:   u.Filename,
			URL:        u.URL,
			SHA256:     u.Digests.SHA256,
			RequiresPy: u.RequiresPython,
			IsWheel:    u.PackageType == "bdist_wheel",
		}

		if dist.IsWheel {
			dist.PythonTag, dist.ABITag, dist.PlatformTag = parseWheelTags(u.Filename)
		}

		meta.Distributions = append(meta.Distributions, dist)
	}

	return meta
}

// fetch performs an HTTP GET with retry and exponential backoff, mirroring
// internal/pypi/client.go's Service.fetch/doRequest transient/permanent
// error split.
func (s *JSONIndex) fetch(ctx context.Context, url string) (*jsonPackageInfo, error) {
	var lastErr error

	for attempt := range jsonIndexMaxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond

			select {
			case <-ctx.Done():
				return nil, errs.New(errs.KindCancelled, "provider.JSONIndex.fetch", ctx.Err())
			case <-time.After(backoff):
			}
		}

		info, retryable, err := s.doRequest(ctx, url)
		if err == nil {
			return info, nil
		}

		if !retryable {
			return nil, errs.New(errs.KindNetworkFatal, "provider.JSONIndex.fetch", err)
		}

		lastErr = err

		s.logger.Debug("retrying json index request", slog.String("url", url), slog.Int("attempt", attempt+1))
	}

	return nil, errs.New(errs.KindNetworkTransient, "provider.JSONIndex.fetch", fmt.Errorf("after %d attempts: %w", jsonIndexMaxRetries, lastErr))
}

func (s *JSONIndex) doRequest(ctx context.Context, url string) (info *jsonPackageInfo, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, fmt.Errorf("package not found at %s", url)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, true, fmt.Errorf("server error %d from %s", resp.StatusCode, url)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	var out jsonPackageInfo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, false, err
	}

	return &out, false, nil
}

// parseRequiresDist parses one requires_dist entry, e.g.
// `importlib-metadata>=3.6.0; python_version < "3.10"`, into a
// pkgmodel.Requirement. Grounded on internal/resolver/requirement.go's
// ParseRequirement, generalized to produce a parsed Constraint and
// marker.Expr instead of raw strings.
func parseRequiresDist(raw string) (pkgmodel.Requirement, error) {
	return pkgmodel.ParseRequirement(raw)
}
