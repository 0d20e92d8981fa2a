package store

import (
	"gopkg.in/yaml.v3"

	"github.com/nebula-sql/controlplane/internal/pkg/crypto"
)

// connectorDiscriminators is the minimal shape we parse out of a connector's
// opaque YAML config to support listing/filtering by transport and format
// without round-tripping the full config schema.
type connectorDiscriminators struct {
	Transport string `yaml:"transport"`
	Format    string `yaml:"format"`
}

// parseConnectorDiscriminators best-effort extracts the transport and format
// fields from a connector's YAML config. Malformed YAML yields empty
// discriminators rather than a write-time failure, since the config is
// validated by the connector itself at deploy time, not stored here.
func parseConnectorDiscriminators(config string) (transport, format string) {
	var d connectorDiscriminators
	if err := yaml.Unmarshal([]byte(config), &d); err != nil {
		return "", ""
	}
	return d.Transport, d.Format
}

// connectorConfigFingerprint returns a short, non-reversible identifier for a
// connector's opaque config, safe to attach to logs that must not leak the
// transport credentials the config itself may carry.
func connectorConfigFingerprint(config string) string {
	return crypto.HashString(config)
}
