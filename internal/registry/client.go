// Package registry fetches current image digests from OCI-compatible
// registries over the distribution API, handling Bearer token challenges and
// the Artifactory repository-path URL layout.
package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gcrtypes "github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kube-autorollout/internal/credentials"
	"github.com/ppiankov/kube-autorollout/internal/imageref"
	"github.com/ppiankov/kube-autorollout/internal/redact"
	"github.com/ppiankov/kube-autorollout/internal/tlsutil"
)

const digestHeader = "Docker-Content-Digest"

// ErrMissingDigestHeader is returned when a successful manifest response does
// not carry the Docker-Content-Digest header.
var ErrMissingDigestHeader = errors.New("response has no Docker-Content-Digest header")

// ErrMalformedChallenge is returned when a WWW-Authenticate value cannot be
// parsed into realm, service and scope.
var ErrMalformedChallenge = errors.New("malformed WWW-Authenticate challenge")

// ErrTokenExchangeFailed is returned when the challenge realm does not hand
// out a usable token.
var ErrTokenExchangeFailed = errors.New("token exchange failed")

// StatusError reports a registry response status that ends digest resolution.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned status %d", e.Status)
}

// acceptHeader lists the manifest and index media types the digest fetch
// understands, both OCI and Docker flavors.
var acceptHeader = strings.Join([]string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	string(gcrtypes.DockerManifestSchema2),
	string(gcrtypes.DockerManifestList),
}, ", ")

// headers whose presence marks a response as served by JFrog Artifactory
var artifactorySignatureHeaders = []string{
	"x-jfrog-version",
	"x-artifactory-id",
	"x-artifactory-node-id",
}

// Client resolves the current digest of an image tag against its registry.
// Read-only after construction, safe for concurrent use.
type Client struct {
	http                *http.Client
	artifactoryFallback bool
}

// NewClient wraps an HTTP client for digest resolution. The Artifactory
// fallback is only attempted when enabled here.
func NewClient(httpClient *http.Client, enableArtifactoryFallback bool) *Client {
	return &Client{http: httpClient, artifactoryFallback: enableArtifactoryFallback}
}

// NewHTTPClient builds the HTTP client used for all registry calls: the
// system trust store extended with the configured CA certificates, and a
// per-request timeout.
func NewHTTPClient(caCertificatePaths []string, timeout time.Duration) (*http.Client, error) {
	pool, err := tlsutil.RootCAPool(caCertificatePaths)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Digest returns the digest the registry currently serves for the reference's
// tag. The direct manifest fetch is tried first; a 401 with a Bearer
// challenge triggers one token exchange and one retry, and a 404 from an
// Artifactory instance is retried via the repository-path URL layout when the
// fallback is enabled.
func (c *Client) Digest(ctx context.Context, ref imageref.Reference, cred credentials.Credential) (string, error) {
	logger := log.FromContext(ctx)

	registry := rewriteRegistryHost(ref.Registry)
	manifestURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", registry, ref.Repository, ref.Tag)

	resp, err := c.getManifest(ctx, manifestURL, cred)
	if err != nil {
		return "", err
	}

	switch {
	case resp.status == http.StatusOK:
		return digestFromHeader(resp.header)

	case resp.status == http.StatusUnauthorized && resp.header.Get("Www-Authenticate") != "":
		logger.Info("registry requires token exchange", "registry", registry)
		return c.digestViaChallenge(ctx, manifestURL, resp.header.Get("Www-Authenticate"), cred)

	case resp.status == http.StatusNotFound && c.artifactoryFallback && isArtifactoryResponse(resp.header):
		logger.Info("retrying via Artifactory repository path", "registry", registry, "repository", ref.Repository)
		return c.digestViaArtifactory(ctx, ref, registry, cred)

	default:
		return "", fmt.Errorf("fetching manifest from %s: %w", manifestURL, &StatusError{Status: resp.status})
	}
}

// digestViaChallenge runs the OAuth2 Bearer flow: parse the challenge, trade
// the original credential for a token at the realm, then retry the manifest
// fetch exactly once with that token. The retry must succeed outright.
func (c *Client) digestViaChallenge(ctx context.Context, manifestURL, header string, cred credentials.Credential) (string, error) {
	ch, err := parseChallenge(header)
	if err != nil {
		return "", err
	}

	token, err := c.exchangeToken(ctx, ch, cred)
	if err != nil {
		return "", err
	}

	resp, err := c.getManifest(ctx, manifestURL, credentials.StaticToken{Token: token})
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusOK {
		return "", fmt.Errorf("manifest fetch after token exchange: %w", &StatusError{Status: resp.status})
	}
	return digestFromHeader(resp.header)
}

// digestViaArtifactory retries the manifest fetch through Artifactory's
// repository-path URL layout, where the first repository segment is the
// Artifactory repository key.
func (c *Client) digestViaArtifactory(ctx context.Context, ref imageref.Reference, registry string, cred credentials.Credential) (string, error) {
	repoKey, _, _ := strings.Cut(ref.Repository, "/")
	fallbackURL := fmt.Sprintf("https://%s/artifactory/api/docker/%s/v2/%s/manifests/%s",
		registry, repoKey, ref.Repository, ref.Tag)

	resp, err := c.getManifest(ctx, fallbackURL, cred)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusOK {
		return "", fmt.Errorf("fetching manifest from %s: %w", fallbackURL, &StatusError{Status: resp.status})
	}
	return digestFromHeader(resp.header)
}

type manifestResponse struct {
	status int
	header http.Header
}

func (c *Client) getManifest(ctx context.Context, manifestURL string, cred credentials.Credential) (*manifestResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building manifest request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)

	authz, err := authorizationHeader(cred)
	if err != nil {
		return nil, err
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest from %s: %w", manifestURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return &manifestResponse{status: resp.StatusCode, header: resp.Header}, nil
}

// exchangeToken calls the challenge realm with service and scope as query
// parameters, authenticating with the original credential, and returns the
// token from the JSON response body.
func (c *Client) exchangeToken(ctx context.Context, ch challenge, cred credentials.Credential) (redact.String, error) {
	q := url.Values{}
	q.Set("service", ch.Service)
	q.Set("scope", ch.Scope)
	tokenURL := ch.Realm + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return redact.String{}, fmt.Errorf("building token request: %w", err)
	}

	authz, err := authorizationHeader(cred)
	if err != nil {
		return redact.String{}, err
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return redact.String{}, fmt.Errorf("requesting token from %s: %w", ch.Realm, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return redact.String{}, fmt.Errorf("%w: token endpoint %s returned status %d", ErrTokenExchangeFailed, ch.Realm, resp.StatusCode)
	}

	var payload struct {
		Token redact.String `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return redact.String{}, fmt.Errorf("%w: decoding token response: %v", ErrTokenExchangeFailed, err)
	}
	if payload.Token.IsZero() {
		return redact.String{}, fmt.Errorf("%w: token response has no token field", ErrTokenExchangeFailed)
	}
	return payload.Token, nil
}

// authorizationHeader computes the Authorization value for a credential. This
// is the single place a credential turns into a header; the switch is
// exhaustive over the credential kinds.
func authorizationHeader(cred credentials.Credential) (string, error) {
	switch c := cred.(type) {
	case credentials.None:
		return "", nil
	case credentials.StaticToken:
		return "Bearer " + c.Token.Expose(), nil
	case credentials.PullSecret:
		auth, ok := c.Config.FirstAuth()
		if !ok {
			return "", errors.New("pull secret has no usable auth entry")
		}
		return "Basic " + auth.Auth.Expose(), nil
	default:
		return "", fmt.Errorf("unhandled credential kind %T", cred)
	}
}

func digestFromHeader(header http.Header) (string, error) {
	digest := header.Get(digestHeader)
	if digest == "" {
		return "", ErrMissingDigestHeader
	}
	return digest, nil
}

// rewriteRegistryHost rewrites docker.io to registry-1.docker.io, the
// hostname container runtimes actually pull from. Docker Hub does not serve
// the distribution API on the bare alias.
func rewriteRegistryHost(registry string) string {
	if registry == "docker.io" {
		return "registry-1.docker.io"
	}
	return registry
}

func isArtifactoryResponse(header http.Header) bool {
	for _, h := range artifactorySignatureHeaders {
		if _, ok := header[http.CanonicalHeaderKey(h)]; ok {
			return true
		}
	}
	return false
}
