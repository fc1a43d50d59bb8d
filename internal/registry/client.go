// Package registry implements a client for the OCI distribution API,
// covering the operations the transfer engine and execution coordinator
// need: repository/tag enumeration, manifest and blob movement, and
// connectivity checks. Authentication (basic and token challenge) is
// handled by the go-containerregistry transport.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/ocimirror/ocimirror/internal/model"
)

// catalogPageSize is the page size used when walking /v2/_catalog.
const catalogPageSize = 100

// acceptedManifestTypes are the media types requested when pulling a
// manifest from the source registry.
var acceptedManifestTypes = []string{
	string(types.DockerManifestSchema2),
	string(types.OCIManifestSchema1),
	string(types.DockerManifestList),
	string(types.OCIImageIndex),
}

// Client talks to one registry endpoint.
type Client interface {
	// Ping verifies connectivity and credential validity against /v2/
	Ping(ctx context.Context) error

	// Catalog lists all repositories the credential can see
	Catalog(ctx context.Context) ([]string, error)

	// ListTags lists the tags of a repository
	ListTags(ctx context.Context, repo string) ([]string, error)

	// ManifestExist checks for a manifest and returns its digest
	ManifestExist(ctx context.Context, repo, reference string) (bool, string, error)

	// PullManifest fetches and parses a manifest by tag or digest
	PullManifest(ctx context.Context, repo, reference string) (*Manifest, error)

	// PushManifest uploads a raw manifest under the given reference
	PushManifest(ctx context.Context, repo, reference, mediaType string, payload []byte) error

	// DeleteManifest removes the manifest the reference resolves to
	DeleteManifest(ctx context.Context, repo, reference string) error

	// BlobExist checks whether the repository already has the blob
	BlobExist(ctx context.Context, repo, dgst string) (bool, error)

	// PullBlob opens a blob for reading; the caller must close it
	PullBlob(ctx context.Context, repo, dgst string) (io.ReadCloser, int64, error)

	// PushBlob uploads a blob using a monolithic upload
	PushBlob(ctx context.Context, repo, dgst string, size int64, content io.Reader) error
}

// Factory builds clients for registry endpoints. The indirection lets
// tests substitute fake registries for the coordinator and transfer
// engine.
type Factory interface {
	ClientFor(endpoint *model.Endpoint) (Client, error)
}

type defaultFactory struct{}

// NewFactory returns the production client factory.
func NewFactory() Factory {
	return defaultFactory{}
}

// ClientFor builds a distribution API client for the endpoint.
func (defaultFactory) ClientFor(endpoint *model.Endpoint) (Client, error) {
	return NewClient(endpoint)
}

type client struct {
	baseURL  string
	registry name.Registry
	auth     authn.Authenticator
	base     http.RoundTripper

	// Token-auth challenges scope credentials per repository, so the
	// authenticated transport is cached per scope set.
	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

// NewClient creates a client for the given endpoint. The endpoint URL
// must carry an http or https scheme.
func NewClient(endpoint *model.Endpoint) (Client, error) {
	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("registry URL must use http or https, got %q", endpoint.URL)
	}

	var regOpts []name.Option
	if u.Scheme == "http" {
		regOpts = append(regOpts, name.Insecure)
	}
	reg, err := name.NewRegistry(u.Host, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid registry host: %w", err)
	}

	var auth authn.Authenticator = authn.Anonymous
	if endpoint.Username != "" || endpoint.Password != "" {
		auth = &authn.Basic{Username: endpoint.Username, Password: endpoint.Password}
	}

	base := remoteTransport(endpoint.Insecure)

	return &client{
		baseURL:    u.Scheme + "://" + u.Host,
		registry:   reg,
		auth:       auth,
		base:       base,
		transports: map[string]http.RoundTripper{},
	}, nil
}

// httpClient returns an HTTP client whose transport holds credentials
// for the given scopes, creating and caching it on first use.
func (c *client) httpClient(ctx context.Context, scopes ...string) (*http.Client, error) {
	key := strings.Join(scopes, " ")

	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.transports[key]
	if !ok {
		var err error
		tr, err = transport.NewWithContext(ctx, c.registry, c.auth, c.base, scopes)
		if err != nil {
			return nil, classifyTransportError(err)
		}
		c.transports[key] = tr
	}
	return &http.Client{Transport: tr}, nil
}

// classifyTransportError maps transport handshake failures onto the
// error taxonomy; a 401 during the token exchange is an auth failure.
func classifyTransportError(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		if terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}
	return err
}

func (c *client) pullScope(repo string) string {
	return fmt.Sprintf("repository:%s:pull", repo)
}

func (c *client) pushScope(repo string) string {
	return fmt.Sprintf("repository:%s:pull,push", repo)
}

func (c *client) do(ctx context.Context, httpc *http.Client, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return httpc.Do(req)
}

// Ping verifies connectivity and credentials against the /v2/ base endpoint.
func (c *client) Ping(ctx context.Context) error {
	httpc, err := c.httpClient(ctx)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, httpc, http.MethodGet, "/v2/", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusToError(resp)
	}
	return nil
}

// Catalog lists repositories by walking /v2/_catalog pages. The next
// page comes from the Link header when the registry sends one; a
// registry is free to return short pages with more results behind a
// Link. Without a Link header, a full page continues via `last`.
func (c *client) Catalog(ctx context.Context) ([]string, error) {
	httpc, err := c.httpClient(ctx, "registry:catalog:*")
	if err != nil {
		return nil, err
	}

	var repos []string
	path := fmt.Sprintf("/v2/_catalog?n=%d", catalogPageSize)
	for path != "" {
		resp, err := c.do(ctx, httpc, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, statusToError(resp)
		}

		var page struct {
			Repositories []string `json:"repositories"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		link := resp.Header.Get("Link")
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode catalog response: %w", err)
		}

		repos = append(repos, page.Repositories...)
		switch next := nextLink(link); {
		case next != "":
			path, err = linkPath(next)
			if err != nil {
				return nil, err
			}
		case len(page.Repositories) >= catalogPageSize:
			path = fmt.Sprintf("/v2/_catalog?n=%d&last=%s",
				catalogPageSize, url.QueryEscape(page.Repositories[len(page.Repositories)-1]))
		default:
			path = ""
		}
	}
	return repos, nil
}

// nextLink extracts the rel="next" target from a Link header value.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		uri := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, attr := range fields[1:] {
			attr = strings.ReplaceAll(strings.TrimSpace(attr), " ", "")
			if strings.EqualFold(attr, `rel="next"`) || strings.EqualFold(attr, "rel=next") {
				return uri
			}
		}
	}
	return ""
}

// linkPath turns a Link target, absolute or relative, into a request
// path against the registry base URL.
func linkPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid catalog link: %w", err)
	}
	return u.RequestURI(), nil
}

// ListTags lists the tags of a repository.
func (c *client) ListTags(ctx context.Context, repo string) ([]string, error) {
	httpc, err := c.httpClient(ctx, c.pullScope(repo))
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, httpc, http.MethodGet, fmt.Sprintf("/v2/%s/tags/list", repo), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusToError(resp)
	}

	var tags struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode tag list: %w", err)
	}
	return tags.Tags, nil
}

// ManifestExist checks for a manifest via HEAD and returns the digest
// the registry reports for it.
func (c *client) ManifestExist(ctx context.Context, repo, reference string) (bool, string, error) {
	httpc, err := c.httpClient(ctx, c.pullScope(repo))
	if err != nil {
		return false, "", err
	}
	header := http.Header{"Accept": acceptedManifestTypes}
	resp, err := c.do(ctx, httpc, http.MethodHead, fmt.Sprintf("/v2/%s/manifests/%s", repo, reference), nil, header)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, resp.Header.Get("Docker-Content-Digest"), nil
	case http.StatusNotFound:
		return false, "", nil
	default:
		return false, "", statusToError(resp)
	}
}

// PullManifest fetches a manifest and parses its references.
func (c *client) PullManifest(ctx context.Context, repo, reference string) (*Manifest, error) {
	httpc, err := c.httpClient(ctx, c.pullScope(repo))
	if err != nil {
		return nil, err
	}
	header := http.Header{"Accept": acceptedManifestTypes}
	resp, err := c.do(ctx, httpc, http.MethodGet, fmt.Sprintf("/v2/%s/manifests/%s", repo, reference), nil, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusToError(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest payload: %w", err)
	}
	return parseManifest(resp.Header.Get("Content-Type"), payload)
}

// PushManifest uploads the raw manifest payload under the reference.
func (c *client) PushManifest(ctx context.Context, repo, reference, mediaType string, payload []byte) error {
	httpc, err := c.httpClient(ctx, c.pushScope(repo))
	if err != nil {
		return err
	}
	header := http.Header{"Content-Type": []string{mediaType}}
	resp, err := c.do(ctx, httpc, http.MethodPut, fmt.Sprintf("/v2/%s/manifests/%s", repo, reference), strings.NewReader(string(payload)), header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusToError(resp)
	}
	return nil
}

// DeleteManifest resolves the reference to a digest and deletes it.
// Deleting a tag reference removes the manifest the tag points at.
func (c *client) DeleteManifest(ctx context.Context, repo, reference string) error {
	exist, dgst, err := c.ManifestExist(ctx, repo, reference)
	if err != nil {
		return err
	}
	if !exist {
		return ErrNotFound
	}
	if dgst == "" {
		dgst = reference
	}

	httpc, err := c.httpClient(ctx, c.pushScope(repo))
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, httpc, http.MethodDelete, fmt.Sprintf("/v2/%s/manifests/%s", repo, dgst), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return statusToError(resp)
	}
	return nil
}

// BlobExist checks blob presence by digest.
func (c *client) BlobExist(ctx context.Context, repo, dgst string) (bool, error) {
	httpc, err := c.httpClient(ctx, c.pullScope(repo))
	if err != nil {
		return false, err
	}
	resp, err := c.do(ctx, httpc, http.MethodHead, fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusToError(resp)
	}
}

// PullBlob opens a blob for streaming. The caller owns the returned reader.
func (c *client) PullBlob(ctx context.Context, repo, dgst string) (io.ReadCloser, int64, error) {
	httpc, err := c.httpClient(ctx, c.pullScope(repo))
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.do(ctx, httpc, http.MethodGet, fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst), nil, nil)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, statusToError(resp)
	}
	return resp.Body, resp.ContentLength, nil
}

// PushBlob uploads a blob with a monolithic upload: POST to start the
// upload session, then PUT the content against the returned location.
func (c *client) PushBlob(ctx context.Context, repo, dgst string, size int64, content io.Reader) error {
	httpc, err := c.httpClient(ctx, c.pushScope(repo))
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, httpc, http.MethodPost, fmt.Sprintf("/v2/%s/blobs/uploads/", repo), nil, nil)
	if err != nil {
		return err
	}
	location := resp.Header.Get("Location")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return statusToError(resp)
	}
	if location == "" {
		return fmt.Errorf("registry did not return an upload location for %s", dgst)
	}

	uploadURL, err := c.resolveLocation(location, dgst)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		req.ContentLength = size
	}

	putResp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated {
		return statusToError(putResp)
	}
	return nil
}

// resolveLocation absolutizes the upload location and appends the
// digest query parameter that finalizes a monolithic upload.
func (c *client) resolveLocation(location, dgst string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid upload location: %w", err)
	}
	if !u.IsAbs() {
		base, _ := url.Parse(c.baseURL)
		u = base.ResolveReference(u)
	}
	q := u.Query()
	q.Set("digest", dgst)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
