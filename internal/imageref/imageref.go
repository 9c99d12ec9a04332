// Package imageref parses container image strings into their registry,
// repository and tag components.
package imageref

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors. Callers branch on these with errors.Is.
var (
	// ErrDigestNotAllowed rejects digest-pinned references: a pinned image
	// can never move, so there is nothing to roll out.
	ErrDigestNotAllowed = errors.New("digest references are not allowed")

	// ErrMissingTag rejects references without an explicit tag.
	ErrMissingTag = errors.New("tag is missing")

	// ErrMissingRegistry rejects references with an empty registry segment.
	ErrMissingRegistry = errors.New("registry is missing")

	// ErrMissingRepository rejects references with an empty repository segment.
	ErrMissingRepository = errors.New("repository is missing")

	// ErrInvalidFormat rejects references without a registry/repository split.
	ErrInvalidFormat = errors.New("invalid image format")
)

// Reference is a parsed image reference. Values are immutable once parsed.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
}

// String formats the reference back to its canonical registry/repository:tag
// form. Parse(ref.String()) round-trips exactly.
func (r Reference) String() string {
	return r.Registry + "/" + r.Repository + ":" + r.Tag
}

// Parse splits an image string as reported by the container runtime into its
// registry, repository and tag. The tag is everything after the last colon
// that follows the last slash; the registry is everything before the first
// slash. Digest-pinned references are rejected outright.
func Parse(s string) (Reference, error) {
	if strings.Contains(s, "@") {
		return Reference{}, ErrDigestNotAllowed
	}

	lastColon := strings.LastIndex(s, ":")
	lastSlash := strings.LastIndex(s, "/")
	if lastColon == -1 || lastColon < lastSlash {
		return Reference{}, ErrMissingTag
	}
	tag := s[lastColon+1:]

	registry, repository, found := strings.Cut(s[:lastColon], "/")
	if !found {
		return Reference{}, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}
	if registry == "" {
		return Reference{}, ErrMissingRegistry
	}
	if repository == "" {
		return Reference{}, ErrMissingRepository
	}

	return Reference{Registry: registry, Repository: repository, Tag: tag}, nil
}
