package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ppiankov/kube-autorollout/internal/credentials"
	"github.com/ppiankov/kube-autorollout/internal/imageref"
	"github.com/ppiankov/kube-autorollout/internal/redact"
)

const testDigest = "sha256:9a8f1e2c3d4b5a6f7e8d9c0b1a2f3e4d5c6b7a8f9e0d1c2b3a4f5e6d7c8b9a0f"

// testRef points an image reference at the test server.
func testRef(srv *httptest.Server, repository string) imageref.Reference {
	return imageref.Reference{
		Registry:   strings.TrimPrefix(srv.URL, "https://"),
		Repository: repository,
		Tag:        "v1",
	}
}

func TestDigest_Direct(t *testing.T) {
	var gotAccept, gotAuthz string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/org/app/manifests/v1" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAccept = r.Header.Get("Accept")
		gotAuthz = r.Header.Get("Authorization")
		w.Header().Set(digestHeader, testDigest)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	digest, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if digest != testDigest {
		t.Errorf("digest = %q, want %q", digest, testDigest)
	}
	if gotAuthz != "" {
		t.Errorf("anonymous fetch sent Authorization %q", gotAuthz)
	}
	for _, mediaType := range []string{
		"application/vnd.oci.image.manifest.v1+json",
		"application/vnd.oci.image.index.v1+json",
	} {
		if !strings.Contains(gotAccept, mediaType) {
			t.Errorf("Accept %q does not list %s", gotAccept, mediaType)
		}
	}
}

func TestDigest_StaticTokenSendsBearer(t *testing.T) {
	var gotAuthz string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthz = r.Header.Get("Authorization")
		w.Header().Set(digestHeader, testDigest)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	cred := credentials.StaticToken{Token: redact.New("static-token")}
	if _, err := client.Digest(context.Background(), testRef(srv, "org/app"), cred); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuthz != "Bearer static-token" {
		t.Errorf("Authorization = %q, want Bearer static-token", gotAuthz)
	}
}

func TestDigest_PullSecretSendsBasic(t *testing.T) {
	var gotAuthz string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthz = r.Header.Get("Authorization")
		w.Header().Set(digestHeader, testDigest)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	cred := credentials.PullSecret{Config: credentials.DockerConfig{
		Auths: map[string]credentials.DockerAuth{
			"registry.example.com": {Auth: redact.New("dXNlcjpwYXNz")},
		},
	}}
	if _, err := client.Digest(context.Background(), testRef(srv, "org/app"), cred); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuthz != "Basic dXNlcjpwYXNz" {
		t.Errorf("Authorization = %q, want Basic dXNlcjpwYXNz", gotAuthz)
	}
}

func TestDigest_PullSecretWithoutUsableAuth(t *testing.T) {
	var requests int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	cred := credentials.PullSecret{Config: credentials.DockerConfig{}}
	if _, err := client.Digest(context.Background(), testRef(srv, "org/app"), cred); err == nil {
		t.Fatal("expected error for pull secret without auth entries")
	}
	if requests != 0 {
		t.Errorf("made %d requests, want 0", requests)
	}
}

func TestDigest_MissingDigestHeader(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})
	if !errors.Is(err, ErrMissingDigestHeader) {
		t.Errorf("error = %v, want ErrMissingDigestHeader", err)
	}
}

func TestDigest_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", statusErr.Status)
	}
}

func TestDigest_UnauthorizedWithoutChallenge(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", statusErr.Status)
	}
}

func TestDigest_ChallengeFlow(t *testing.T) {
	var manifestCalls, tokenCalls int
	var tokenAuthz, tokenService, tokenScope, retryAuthz string

	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v2/org/app/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		manifestCalls++
		if r.Header.Get("Authorization") == "Bearer fresh-token" {
			retryAuthz = r.Header.Get("Authorization")
			w.Header().Set(digestHeader, testDigest)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Www-Authenticate",
			fmt.Sprintf(`Bearer realm="%s/token",service="registry.example.com",scope="repository:org/app:pull"`, srv.URL))
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		tokenAuthz = r.Header.Get("Authorization")
		tokenService = r.URL.Query().Get("service")
		tokenScope = r.URL.Query().Get("scope")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"fresh-token"}`))
	})

	client := NewClient(srv.Client(), false)
	cred := credentials.StaticToken{Token: redact.New("original-token")}
	digest, err := client.Digest(context.Background(), testRef(srv, "org/app"), cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if digest != testDigest {
		t.Errorf("digest = %q, want %q", digest, testDigest)
	}
	if manifestCalls != 2 {
		t.Errorf("manifest calls = %d, want 2", manifestCalls)
	}
	if tokenCalls != 1 {
		t.Errorf("token calls = %d, want 1", tokenCalls)
	}
	if tokenAuthz != "Bearer original-token" {
		t.Errorf("token endpoint saw Authorization %q, want the original credential", tokenAuthz)
	}
	if tokenService != "registry.example.com" {
		t.Errorf("token endpoint saw service %q", tokenService)
	}
	if tokenScope != "repository:org/app:pull" {
		t.Errorf("token endpoint saw scope %q", tokenScope)
	}
	if retryAuthz != "Bearer fresh-token" {
		t.Errorf("retry saw Authorization %q, want the exchanged token", retryAuthz)
	}
}

func TestDigest_ChallengeRetriedExactlyOnce(t *testing.T) {
	var manifestCalls int

	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v2/org/app/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		manifestCalls++
		w.Header().Set("Www-Authenticate",
			fmt.Sprintf(`Bearer realm="%s/token",service="registry.example.com",scope="repository:org/app:pull"`, srv.URL))
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"fresh-token"}`))
	})

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", statusErr.Status)
	}
	if manifestCalls != 2 {
		t.Errorf("manifest calls = %d, want exactly 2", manifestCalls)
	}
}

func TestDigest_TokenExchangeRejected(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v2/org/app/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate",
			fmt.Sprintf(`Bearer realm="%s/token",service="registry.example.com",scope="repository:org/app:pull"`, srv.URL))
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Errorf("error = %v, want ErrTokenExchangeFailed", err)
	}
}

func TestDigest_TokenResponseWithoutToken(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v2/org/app/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate",
			fmt.Sprintf(`Bearer realm="%s/token",service="registry.example.com",scope="repository:org/app:pull"`, srv.URL))
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Errorf("error = %v, want ErrTokenExchangeFailed", err)
	}
}

func TestDigest_MalformedChallenge(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer realm="https://auth.example.com/token"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "org/app"), credentials.None{})
	if !errors.Is(err, ErrMalformedChallenge) {
		t.Errorf("error = %v, want ErrMalformedChallenge", err)
	}
}

func TestDigest_ArtifactoryFallback(t *testing.T) {
	var fallbackPath, fallbackAuthz string

	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v2/team/app/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Jfrog-Version", "7.77.0")
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/artifactory/", func(w http.ResponseWriter, r *http.Request) {
		fallbackPath = r.URL.Path
		fallbackAuthz = r.Header.Get("Authorization")
		w.Header().Set(digestHeader, testDigest)
		w.WriteHeader(http.StatusOK)
	})

	client := NewClient(srv.Client(), true)
	cred := credentials.StaticToken{Token: redact.New("jfrog-token")}
	digest, err := client.Digest(context.Background(), testRef(srv, "team/app"), cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if digest != testDigest {
		t.Errorf("digest = %q, want %q", digest, testDigest)
	}
	if fallbackPath != "/artifactory/api/docker/team/v2/team/app/manifests/v1" {
		t.Errorf("fallback path = %q", fallbackPath)
	}
	if fallbackAuthz != "Bearer jfrog-token" {
		t.Errorf("fallback saw Authorization %q, want the original credential", fallbackAuthz)
	}
}

func TestDigest_ArtifactoryFallbackRequiresSignature(t *testing.T) {
	var requests int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), true)
	_, err := client.Digest(context.Background(), testRef(srv, "team/app"), credentials.None{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", statusErr.Status)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

func TestDigest_ArtifactoryFallbackDisabled(t *testing.T) {
	var requests int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("X-Jfrog-Version", "7.77.0")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), false)
	_, err := client.Digest(context.Background(), testRef(srv, "team/app"), credentials.None{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

func TestDigest_ArtifactoryFallbackFailure(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v2/team/app/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Artifactory-Id", "node-1")
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/artifactory/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client := NewClient(srv.Client(), true)
	_, err := client.Digest(context.Background(), testRef(srv, "team/app"), credentials.None{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want StatusError", err)
	}
}

func TestRewriteRegistryHost(t *testing.T) {
	if got := rewriteRegistryHost("docker.io"); got != "registry-1.docker.io" {
		t.Errorf("rewriteRegistryHost(docker.io) = %q", got)
	}
	for _, host := range []string{"registry-1.docker.io", "ghcr.io", "registry.example.com:5000"} {
		if got := rewriteRegistryHost(host); got != host {
			t.Errorf("rewriteRegistryHost(%q) = %q, want unchanged", host, got)
		}
	}
}
