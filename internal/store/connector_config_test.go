package store

import "testing"

func TestParseConnectorDiscriminators(t *testing.T) {
	cfg := "transport: kafka\nformat: json\nbootstrap_servers: localhost:9092\n"
	transport, format := parseConnectorDiscriminators(cfg)
	if transport != "kafka" || format != "json" {
		t.Fatalf("got transport=%q format=%q, want kafka/json", transport, format)
	}
}

func TestParseConnectorDiscriminatorsMalformedYAML(t *testing.T) {
	transport, format := parseConnectorDiscriminators("not: [valid: yaml")
	if transport != "" || format != "" {
		t.Fatalf("expected empty discriminators for malformed YAML, got %q/%q", transport, format)
	}
}

func TestConnectorConfigFingerprintDeterministicAndDistinguishing(t *testing.T) {
	a := connectorConfigFingerprint("transport: kafka\nformat: json\n")
	b := connectorConfigFingerprint("transport: kafka\nformat: json\n")
	c := connectorConfigFingerprint("transport: http\nformat: csv\n")

	if a != b {
		t.Fatalf("expected identical config to produce identical fingerprint: %q != %q", a, b)
	}
	if a == c {
		t.Fatalf("expected different config to produce different fingerprint")
	}
	if a == "" {
		t.Fatalf("expected non-empty fingerprint")
	}
}
