package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkgsolve/pkgsolve/internal/downloader"
	"github.com/pkgsolve/pkgsolve/internal/errs"
	"github.com/pkgsolve/pkgsolve/internal/pkgmodel"
	"github.com/pkgsolve/pkgsolve/internal/provider"
)

const fetchMaxRetries = 3

// fetch resolves meta's best distribution for the target environment and
// returns it as a downloader.Result ready for installer.Service.Install:
// a wheel is fetched (cache-first) directly; an sdist is fetched then
// run through BuildIsolation to produce a wheel.
func (s *Service) fetch(ctx context.Context, meta pkgmodel.PackageMetadata) (downloader.Result, error) {
	tags := provider.CompatTags(s.env.PythonVersion, s.env.PlatformTag)

	dist, ok := provider.SelectDistribution(meta.Distributions, tags)
	if !ok {
		return downloader.Result{}, errs.New(errs.KindBuildFailure, "executor.fetch",
			fmt.Errorf("no compatible distribution for %s on %s", meta.ID, s.env.PlatformTag))
	}

	if dist.IsWheel {
		path, size, err := s.fetchDistribution(ctx, meta, dist)
		if err != nil {
			return downloader.Result{}, err
		}

		return downloader.Result{Name: string(meta.ID.Name), Version: meta.ID.Version.String(), FilePath: path, Size: size}, nil
	}

	sdistPath, _, err := s.fetchDistribution(ctx, meta, dist)
	if err != nil {
		return downloader.Result{}, err
	}

	targetTag := s.env.PlatformTag + "-" + s.env.PythonVersion

	wheelPath, err := s.buildIsolation().Build(ctx, meta, dist, sdistPath, targetTag)
	if err != nil {
		return downloader.Result{}, err
	}

	info, statErr := os.Stat(wheelPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	return downloader.Result{Name: string(meta.ID.Name), Version: meta.ID.Version.String(), FilePath: wheelPath, Size: size}, nil
}

// fetchDistribution returns dist's local path, fetching it through the
// provider registry (cache-first by content digest) when not already
// cached.
func (s *Service) fetchDistribution(ctx context.Context, meta pkgmodel.PackageMetadata, dist pkgmodel.Distribution) (string, int64, error) {
	if s.store != nil && dist.SHA256 != "" {
		if path, ok := s.store.Get(dist.SHA256); ok {
			info, err := os.Stat(path)
			if err == nil {
				return path, info.Size(), nil
			}
		}
	}

	prov, ok := s.providerFor(meta.ID.Source)
	if !ok {
		return "", 0, errs.New(errs.KindLockInconsistent, "executor.fetchDistribution",
			fmt.Errorf("no registered provider for %s", meta.ID.Source))
	}

	dest := filepath.Join(s.workDir, dist.Filename)

	if err := s.fetchWithRetry(ctx, prov, dist, dest); err != nil {
		return "", 0, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, errs.New(errs.KindNetworkFatal, "executor.fetchDistribution", err)
	}

	if s.store == nil {
		return dest, info.Size(), nil
	}

	cached, err := s.store.Put(dest)
	if err != nil {
		// Caching is an optimization; fall back to the fetched path.
		s.logger.Debug("caching artifact failed", slog.String("path", dest), slog.String("error", err.Error()))
		return dest, info.Size(), nil
	}

	return cached, info.Size(), nil
}

func (s *Service) providerFor(src pkgmodel.Source) (provider.Provider, bool) {
	if src.IndexName != "" {
		return s.registry.ByName(src.IndexName)
	}

	return s.registry.ByName(src.String())
}

// fetchWithRetry wraps Provider.FetchDistribution with the same
// exponential backoff loop bilusteknoloji-pipg's downloader.Manager used
// for raw HTTP GETs, retrying only errs.KindNetworkTransient failures.
func (s *Service) fetchWithRetry(ctx context.Context, prov provider.Provider, dist pkgmodel.Distribution, dest string) error {
	var lastErr error

	for attempt := range fetchMaxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond

			select {
			case <-ctx.Done():
				return errs.New(errs.KindCancelled, "executor.fetchWithRetry", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := prov.FetchDistribution(ctx, dist, dest)
		if err == nil {
			return nil
		}

		var e *errs.Error
		if !errors.As(err, &e) || !errs.Retryable(e.Kind()) {
			return err
		}

		lastErr = err

		s.logger.Debug("retrying distribution fetch",
			slog.String("filename", dist.Filename),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return errs.New(errs.KindNetworkTransient, "executor.fetchWithRetry",
		fmt.Errorf("after %d attempts: %w", fetchMaxRetries, lastErr))
}
