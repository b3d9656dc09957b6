// Package artifact implements the artifact cache the Runner's Prepare
// step (§4.6 step 1) resolves a JobDefinition.ArtifactPath against: a
// content-addressed local cache backed by an HTTP fetch, with
// concurrent fetches for the same artifact collapsed into one and
// outbound fetches rate-limited per node (§5's shared-resource rules).
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Source fetches the raw bytes of an artifact given its registered
// path. The default implementation issues an HTTP GET via resty;
// callers may substitute any Source (e.g. an internal artifact
// registry) that satisfies the interface.
type Source interface {
	Fetch(ctx context.Context, artifactPath, version string) (io.ReadCloser, error)
}

// HTTPSource fetches artifacts over HTTP(S). ArtifactPath is treated as
// a URL relative to BaseURL, or used verbatim if it is already
// absolute.
type HTTPSource struct {
	client  *resty.Client
	baseURL string
}

// NewHTTPSource creates an HTTPSource rooted at baseURL (may be empty
// if every ArtifactPath is already an absolute URL).
func NewHTTPSource(baseURL string) *HTTPSource {
	client := resty.New()
	client.SetTimeout(defaultFetchTimeout)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(defaultRetryWait)

	return &HTTPSource{client: client, baseURL: baseURL}
}

// Fetch retrieves the artifact body. A "file://" artifactPath is read
// directly off disk with no network round trip, for local/dev
// deployments; anything else goes out over HTTP(S). The caller is
// responsible for closing the returned ReadCloser.
func (s *HTTPSource) Fetch(ctx context.Context, artifactPath, version string) (io.ReadCloser, error) {
	if strings.HasPrefix(artifactPath, "file://") {
		return fetchFile(artifactPath)
	}

	target := artifactPath
	if s.baseURL != "" && !isAbsoluteURL(artifactPath) {
		target = s.baseURL + "/" + artifactPath
	}

	req := s.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if version != "" {
		req.SetQueryParam("version", version)
	}

	resp, err := req.Get(target)
	if err != nil {
		return nil, fmt.Errorf("artifact: fetch %s: %w", target, err)
	}
	if resp.IsError() {
		resp.RawBody().Close()
		return nil, fmt.Errorf("artifact: fetch %s: status %s", target, resp.Status())
	}

	return resp.RawBody(), nil
}

func fetchFile(artifactPath string) (io.ReadCloser, error) {
	u, err := url.Parse(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("artifact: parse %s: %w", artifactPath, err)
	}

	f, err := os.Open(u.Path)
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", artifactPath, err)
	}
	return f, nil
}

func isAbsoluteURL(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i > 0
		}
		if s[i] == '/' {
			return false
		}
	}
	return false
}
