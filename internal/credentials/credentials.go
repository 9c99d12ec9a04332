// Package credentials models registry credentials and resolves which one to
// use for a given registry hostname.
package credentials

import (
	"encoding/json"
	"fmt"

	"github.com/ppiankov/kube-autorollout/internal/redact"
)

// Credential is the closed set of registry credential kinds. The Authorization
// header for a manifest request is computed from it in exactly one place, with
// an exhaustive type switch; adding a kind means extending that switch.
type Credential interface {
	credential()
}

// None means the registry is accessed anonymously.
type None struct{}

func (None) credential() {}

// StaticToken is a statically configured bearer token, optionally with a
// username for diagnostics.
type StaticToken struct {
	Username string
	Token    redact.String
}

func (StaticToken) credential() {}

// PullSecret carries the parsed docker config of a matched pull secret.
type PullSecret struct {
	Config DockerConfig
}

func (PullSecret) credential() {}

// DockerConfig is the auths map stored in a .dockerconfigjson payload.
type DockerConfig struct {
	Auths map[string]DockerAuth `json:"auths"`
}

// DockerAuth is one registry entry inside a docker config. Auth holds the
// pre-encoded Basic value (base64 of username:password).
type DockerAuth struct {
	Username string        `json:"username"`
	Password redact.String `json:"password"`
	Auth     redact.String `json:"auth"`
	Email    string        `json:"email,omitempty"`
}

// ParseDockerConfig decodes a .dockerconfigjson payload.
func ParseDockerConfig(data []byte) (DockerConfig, error) {
	var cfg DockerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DockerConfig{}, fmt.Errorf("parsing dockerconfigjson: %w", err)
	}
	return cfg, nil
}

// FirstAuth returns the first entry in map order with a non-empty auth value.
// Multi-hostname secrets are only deterministic when a single entry carries
// an auth; single-entry secrets, the common case, always are.
func (c DockerConfig) FirstAuth() (DockerAuth, bool) {
	for _, auth := range c.Auths {
		if !auth.Auth.IsZero() {
			return auth, true
		}
	}
	return DockerAuth{}, false
}
