package compose

import (
	"bytes"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artpar/cvmdeploy/internal/core/domain"
)

// =============================================================================
// Generator Constants
// =============================================================================

const (
	ServiceName   = "openclaw"
	Image         = "ghcr.io/mcclowin/openclaw-tee:latest"
	AppPort       = "3000:3000"
	DataVolume    = "openclaw-data"
	DataMountPath = "/home/node/.openclaw"
	RestartPolicy = "unless-stopped"

	// ModelEnvKey carries the model identifier into the workload.
	ModelEnvKey = "PRIMARY_MODEL"

	ManifestVersion = 2
	Runner          = "docker-compose"

	FeatureKMS       = "kms"
	FeatureTProxyNet = "tproxy-net"
)

// DefaultResources is the fixed CVM sizing.
var DefaultResources = Resources{VCPU: 2, MemoryMiB: 4096, DiskGiB: 20}

// defaultFeatures must stay sorted.
var defaultFeatures = []string{FeatureKMS, FeatureTProxyNet}

// =============================================================================
// Document Shape
// =============================================================================

// document fields are emitted in declaration order; the only maps have a single key.
type document struct {
	Services map[string]service           `yaml:"services"`
	Volumes  map[string]map[string]string `yaml:"volumes"`
}

type service struct {
	Image       string   `yaml:"image"`
	Ports       []string `yaml:"ports"`
	Environment []string `yaml:"environment"`
	Volumes     []string `yaml:"volumes"`
	Restart     string   `yaml:"restart"`
}

// =============================================================================
// Generate
// =============================================================================

// Generate renders a DeploymentConfig into a ComposeSpec.
// Identical configs always produce byte-identical Text: the control plane keys
// later operations by a hash of it.
//
// Secrets are embedded as plain environment values, one KEY=value entry per
// secret in key order, followed by PRIMARY_MODEL.
func Generate(cfg domain.DeploymentConfig) ComposeSpec {
	doc := buildDocument(cfg, escapeDollar)

	features := append([]string(nil), defaultFeatures...)
	sort.Strings(features)

	return ComposeSpec{
		Text:            mustRender(doc),
		ManifestVersion: ManifestVersion,
		Runner:          Runner,
		Features:        features,
		PublicLogs:      false,
		PublicSysinfo:   false,
		Resources:       DefaultResources,
	}
}

// buildDocument lays out the descriptor. secretValue maps each secret value to
// what is written after KEY=.
func buildDocument(cfg domain.DeploymentConfig, secretValue func(string) string) document {
	env := make([]string, 0, len(cfg.SecretKeys())+1)
	for _, key := range cfg.SecretKeys() {
		if key == ModelEnvKey {
			continue
		}
		value, _ := cfg.Secret(key)
		env = append(env, key+"="+secretValue(value))
	}
	env = append(env, ModelEnvKey+"="+escapeDollar(cfg.ModelIdentifier()))

	return document{
		Services: map[string]service{
			ServiceName: {
				Image:       Image,
				Ports:       []string{AppPort},
				Environment: env,
				Volumes:     []string{DataVolume + ":" + DataMountPath},
				Restart:     RestartPolicy,
			},
		},
		Volumes: map[string]map[string]string{
			DataVolume: {},
		},
	}
}

// mustRender panics only if yaml.v3 cannot encode plain strings and slices.
func mustRender(doc document) string {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		panic("compose: render descriptor: " + err.Error())
	}
	if err := enc.Close(); err != nil {
		panic("compose: render descriptor: " + err.Error())
	}
	return buf.String()
}

// escapeDollar keeps compose interpolation from rewriting secret values.
func escapeDollar(value string) string {
	return strings.ReplaceAll(value, "$", "$$")
}

// =============================================================================
// Redaction
// =============================================================================

// RedactedValue replaces secrets in printable descriptors.
const RedactedValue = "********"

// Redact renders the descriptor of cfg with every secret value replaced by
// RedactedValue. It is rendered from the same document as Generate, so the
// layout matches line for line whatever the secret values contain.
func Redact(cfg domain.DeploymentConfig) string {
	return mustRender(buildDocument(cfg, func(string) string { return RedactedValue }))
}
