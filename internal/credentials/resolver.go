package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ErrNoMatchingCredential is returned when neither a workload pull secret nor
// a configured registry entry matches the hostname.
var ErrNoMatchingCredential = errors.New("no matching credential for registry")

// Entry pairs a hostname glob pattern with the credential it grants.
type Entry struct {
	Pattern    string
	Credential Credential
}

// Resolver maps a registry hostname to a credential. Workload pull secrets
// take precedence over configured entries. Read-only after construction, safe
// for concurrent use.
type Resolver struct {
	entries  []Entry
	matchers []glob.Glob // index-aligned with entries
}

// NewResolver compiles the hostname patterns of the given entries. The
// compiled matcher list and the entry list are built together so they cannot
// fall out of alignment. An invalid pattern is a construction error.
func NewResolver(entries []Entry) (*Resolver, error) {
	matchers := make([]glob.Glob, len(entries))
	for i, e := range entries {
		m, err := glob.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid hostname pattern %q: %w", e.Pattern, err)
		}
		matchers[i] = m
	}
	return &Resolver{entries: entries, matchers: matchers}, nil
}

// Resolve returns the credential for a registry hostname. Pull secrets are
// scanned first in attachment order, keys within one secret in map order;
// the first matching key wins and yields the whole secret. Configured entries
// are then matched in declaration order. No match is an error.
func (r *Resolver) Resolve(host string, pullSecrets []DockerConfig) (Credential, error) {
	normalized := normalizeHostname(host)

	for _, cfg := range pullSecrets {
		for key := range cfg.Auths {
			m, err := glob.Compile(normalizeHostname(key))
			if err != nil {
				// A malformed stored key must not block other keys.
				continue
			}
			if m.Match(normalized) {
				return PullSecret{Config: cfg}, nil
			}
		}
	}

	for i, m := range r.matchers {
		if m.Match(host) {
			return r.entries[i].Credential, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoMatchingCredential, host)
}

// normalizeHostname prepares a hostname or stored secret key for matching:
// URL schemes are stripped, and bare docker.io becomes *.docker.io because
// Docker Hub's well-known alias differs from its wire hostnames
// (registry-1.docker.io, index.docker.io).
func normalizeHostname(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if s == "docker.io" {
		return "*.docker.io"
	}
	return s
}
