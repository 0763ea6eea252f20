// Package registry fetches provisioning images for guest applications. The
// registry itself is an external collaborator: any HTTP server exposing the
// layout produced by realm-publish will do.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/log"
)

// InstallManifest describes one published image: the digest the guest must
// anchor its verification to, and the tag it was published from.
type InstallManifest struct {
	RootOfTrust digest.Digest `json:"root_of_trust"`
	RepoTag     string        `json:"repo_tag,omitempty"`
}

// Fetcher retrieves install manifests and image streams by provisioning id.
type Fetcher interface {
	FetchManifest(ctx context.Context, id uuid.UUID) (*InstallManifest, error)
	FetchImage(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)
}

// HTTPFetcher fetches from `{base}/{uuid}/manifest.json` and
// `{base}/{uuid}/image.tar`, retrying transient failures with exponential
// backoff.
type HTTPFetcher struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPFetcher returns a fetcher for the registry at base.
func NewHTTPFetcher(base string) (*HTTPFetcher, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "parse registry url %q", base)
	}
	return &HTTPFetcher{
		base:   u,
		client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (f *HTTPFetcher) get(ctx context.Context, id uuid.UUID, name string) (*http.Response, error) {
	target := f.base.JoinPath(id.String(), name).String()

	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err = f.client.Do(req) //nolint:bodyclose // closed by caller or below
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return backoff.Permanent(fmt.Errorf("registry has no object %s", target))
		default:
			resp.Body.Close()
			return fmt.Errorf("registry returned %s for %s", resp.Status, target)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		log.G(ctx).WithError(err).WithField("wait", wait).Warn("registry fetch retry")
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchManifest retrieves and decodes the install manifest for id.
func (f *HTTPFetcher) FetchManifest(ctx context.Context, id uuid.UUID) (*InstallManifest, error) {
	resp, err := f.get(ctx, id, "manifest.json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var manifest InstallManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, errors.Wrap(err, "decode install manifest")
	}
	if err := manifest.RootOfTrust.Validate(); err != nil {
		return nil, errors.Wrap(err, "install manifest root of trust")
	}
	return &manifest, nil
}

// FetchImage opens the image tar stream for id. The caller owns the body.
func (f *HTTPFetcher) FetchImage(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	resp, err := f.get(ctx, id, "image.tar")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
