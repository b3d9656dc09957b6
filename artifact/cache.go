package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultRetryWait    = 1 * time.Second
)

// Cache is a content-addressed local cache of artifacts, keyed by
// artifactPath+version (§4.6 step 1). Concurrent Load calls for the
// same key are collapsed via singleflight; outbound fetches are bounded
// by a token-bucket limiter shared across all callers on this node.
type Cache struct {
	root    string
	source  Source
	group   singleflight.Group
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCache creates a Cache rooted at dir (a node's RepoPath).
// ratePerSecond bounds outbound fetches; zero or negative disables
// throttling.
func NewCache(dir string, source Source, ratePerSecond float64, logger *slog.Logger) *Cache {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{root: dir, source: source, limiter: limiter, logger: logger}
}

// Load implements runner.ArtifactLoader: it returns the local path to
// artifactPath+version, fetching it from Source if the cache does not
// already have it.
func (c *Cache) Load(ctx context.Context, artifactPath, version string) (string, error) {
	key := artifactPath + "@" + version

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, artifactPath, version)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (c *Cache) load(ctx context.Context, artifactPath, version string) (string, error) {
	digest := sha256.Sum256([]byte(artifactPath + "@" + version))
	sum := hex.EncodeToString(digest[:])
	dst := filepath.Join(c.root, sum[:2], sum)

	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	if c.limiter != nil && !strings.HasPrefix(artifactPath, "file://") {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("artifact: rate limit wait: %w", err)
		}
	}

	c.logger.Info("artifact: fetching",
		slog.String("artifact_path", artifactPath), slog.String("version", version))

	body, err := c.source.Fetch(ctx, artifactPath, version)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("artifact: prepare cache dir: %w", err)
	}

	tmp := dst + ".part"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("artifact: create temp file: %w", err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("artifact: write cache file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("artifact: sync cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("artifact: finalize cache file: %w", err)
	}

	return dst, nil
}
