// Package config loads and validates the kube-autorollout configuration
// document and holds the controller's fixed label and annotation keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/ppiankov/kube-autorollout/internal/credentials"
	"github.com/ppiankov/kube-autorollout/internal/redact"
)

const (
	// LabelEnabled selects the workloads this controller manages.
	LabelEnabled = "kube-autorollout/enabled"

	// LabelEnabledValue is the required value of LabelEnabled.
	LabelEnabledValue = "true"

	// AnnotationRestartedAt is the pod-template annotation patched to trigger
	// a rolling restart.
	AnnotationRestartedAt = "kube-autorollout/restartedAt"

	// AnnotationKubectlRestartedAt is the annotation key kubectl uses for
	// "rollout restart", applied instead when the compatibility flag is set.
	AnnotationKubectlRestartedAt = "kubectl.kubernetes.io/restartedAt"

	// FieldManager identifies this controller's patches to the API server.
	FieldManager = "kube-autorollout"

	// DefaultCronSchedule runs a reconciliation cycle every 45 seconds.
	// Six fields: the leading field is seconds.
	DefaultCronSchedule = "*/45 * * * * *"

	// DefaultRequestTimeout bounds each registry HTTP call.
	DefaultRequestTimeout = 30 * time.Second

	dockerConfigJSONFile = ".dockerconfigjson"
)

// Secret type discriminators for registry entries.
const (
	SecretTypeNone            = "None"
	SecretTypeOpaque          = "Opaque"
	SecretTypeImagePullSecret = "ImagePullSecret"
)

// Config is the parsed configuration document. Read-only after Load.
type Config struct {
	// CronSchedule triggers reconciliation cycles. Six-field cron syntax with
	// a seconds column.
	CronSchedule string `json:"cronSchedule,omitempty"`

	// Webserver configures the health endpoint listener.
	Webserver Webserver `json:"webserver"`

	// Registries maps registry hostname patterns to credentials, matched in
	// declaration order.
	Registries []Registry `json:"registries,omitempty"`

	// TLS lists extra CA certificates trusted when talking to registries.
	TLS TLS `json:"tls,omitempty"`

	// FeatureFlags toggle optional behavior.
	FeatureFlags FeatureFlags `json:"featureFlags,omitempty"`

	// RequestTimeout bounds each registry HTTP call. Defaults to 30s.
	RequestTimeout metav1.Duration `json:"requestTimeout,omitempty"`

	// Notifications configures the optional rollout webhook.
	Notifications Notifications `json:"notifications,omitempty"`

	entries []credentials.Entry
}

// Webserver holds the health endpoint listener settings.
type Webserver struct {
	Port int `json:"port"`
}

// TLS lists extra PEM CA certificate files for the registry client.
type TLS struct {
	CACertificatePaths []string `json:"caCertificatePaths,omitempty"`
}

// FeatureFlags toggle optional controller behavior.
type FeatureFlags struct {
	// EnableJfrogArtifactoryFallback retries 404 manifest responses that
	// carry Artifactory signature headers via the repository-path URL layout.
	EnableJfrogArtifactoryFallback bool `json:"enableJfrogArtifactoryFallback,omitempty"`

	// EnableKubectlAnnotation patches kubectl's restartedAt annotation key
	// instead of the kube-autorollout one.
	EnableKubectlAnnotation bool `json:"enableKubectlAnnotation,omitempty"`
}

// Notifications configures the optional rollout webhook. An empty URL
// disables it.
type Notifications struct {
	URL    string   `json:"url,omitempty"`
	Events []string `json:"events,omitempty"`
}

// Registry maps a hostname glob pattern to the credential used for it.
type Registry struct {
	HostnamePattern string `json:"hostnamePattern"`
	Secret          Secret `json:"secret"`
}

// Secret is the tagged credential of a registry entry. Type selects which of
// the remaining fields apply: Opaque uses Username/Token, ImagePullSecret
// uses MountPath, None uses nothing.
type Secret struct {
	Type      string        `json:"type"`
	Username  string        `json:"username,omitempty"`
	Token     redact.String `json:"token,omitempty"`
	MountPath string        `json:"mountPath,omitempty"`

	dockerConfig credentials.DockerConfig
}

// Load reads, expands and validates a configuration document. Environment
// placeholders of the form ${VAR} are substituted before parsing; an
// unresolved placeholder, an invalid hostname pattern, a missing CA file and
// an unreadable or malformed pull-secret mount are all load errors.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.loadMountedPullSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.buildEntries(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Entries returns the ordered credential entries for resolver construction.
func (c *Config) Entries() []credentials.Entry {
	return c.entries
}

func (c *Config) applyDefaults() {
	if c.CronSchedule == "" {
		c.CronSchedule = DefaultCronSchedule
	}
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout.Duration = DefaultRequestTimeout
	}
}

func (c *Config) validate() error {
	if c.Webserver.Port <= 0 || c.Webserver.Port > 65535 {
		return fmt.Errorf("webserver.port %d is not a valid port", c.Webserver.Port)
	}

	for _, r := range c.Registries {
		if _, err := glob.Compile(r.HostnamePattern); err != nil {
			return fmt.Errorf("invalid hostname pattern %q: %w", r.HostnamePattern, err)
		}
	}

	for _, p := range c.TLS.CACertificatePaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("ca certificate %s is not accessible: %w", p, err)
		}
	}

	return nil
}

// loadMountedPullSecrets reads the .dockerconfigjson file under each
// ImagePullSecret entry's mount path and parses it into the entry.
func (c *Config) loadMountedPullSecrets() error {
	for i := range c.Registries {
		secret := &c.Registries[i].Secret
		if secret.Type != SecretTypeImagePullSecret {
			continue
		}

		path := filepath.Join(secret.MountPath, dockerConfigJSONFile)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading pull secret mount %s: %w", path, err)
		}

		parsed, err := credentials.ParseDockerConfig(data)
		if err != nil {
			return fmt.Errorf("pull secret mount %s: %w", path, err)
		}
		secret.dockerConfig = parsed
	}
	return nil
}

func (c *Config) buildEntries() error {
	entries := make([]credentials.Entry, 0, len(c.Registries))
	for _, r := range c.Registries {
		cred, err := r.Secret.credential()
		if err != nil {
			return fmt.Errorf("registry entry %q: %w", r.HostnamePattern, err)
		}
		entries = append(entries, credentials.Entry{
			Pattern:    r.HostnamePattern,
			Credential: cred,
		})
	}
	c.entries = entries
	return nil
}

func (s Secret) credential() (credentials.Credential, error) {
	switch s.Type {
	case SecretTypeNone, "":
		return credentials.None{}, nil
	case SecretTypeOpaque:
		return credentials.StaticToken{Username: s.Username, Token: s.Token}, nil
	case SecretTypeImagePullSecret:
		return credentials.PullSecret{Config: s.dockerConfig}, nil
	default:
		return nil, fmt.Errorf("unknown secret type %q", s.Type)
	}
}

var envPlaceholder = regexp.MustCompile(`\$\{([^}]+)}`)

// expandEnv substitutes ${VAR} placeholders with environment variable values.
// Every placeholder must resolve.
func expandEnv(input string) (string, error) {
	missing := map[string]bool{}
	out := envPlaceholder.ReplaceAllStringFunc(input, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing[name] = true
			return match
		}
		return value
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("unresolved environment variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}
