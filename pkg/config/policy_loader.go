package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/tillerworks/tiller/pkg/consensus"
)

// PolicyFile is the operator-editable consensus policy document. The schema
// version is semver-gated so an old binary refuses a policy written for a
// newer, incompatible schema.
type PolicyFile struct {
	SchemaVersion string           `yaml:"schema_version" json:"schema_version"`
	Consensus     consensus.Policy `yaml:"consensus" json:"consensus"`
}

// policySchemaConstraint accepts any 1.x policy schema.
const policySchemaConstraint = "^1.0.0"

// LoadPolicy reads and validates a consensus policy YAML. An empty path
// returns the built-in defaults.
func LoadPolicy(path string) (consensus.Policy, error) {
	if path == "" {
		return consensus.DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return consensus.Policy{}, fmt.Errorf("load policy %q: %w", path, err)
	}

	file := PolicyFile{Consensus: consensus.DefaultPolicy()}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return consensus.Policy{}, fmt.Errorf("parse policy %q: %w", path, err)
	}

	if file.SchemaVersion == "" {
		return consensus.Policy{}, fmt.Errorf("policy %q: schema_version is required", path)
	}
	version, err := semver.NewVersion(file.SchemaVersion)
	if err != nil {
		return consensus.Policy{}, fmt.Errorf("policy %q: bad schema_version %q: %w", path, file.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(policySchemaConstraint)
	if err != nil {
		return consensus.Policy{}, fmt.Errorf("policy schema constraint: %w", err)
	}
	if !constraint.Check(version) {
		return consensus.Policy{}, fmt.Errorf("policy %q: schema_version %s outside supported range %s",
			path, file.SchemaVersion, policySchemaConstraint)
	}

	if err := file.Consensus.Validate(); err != nil {
		return consensus.Policy{}, fmt.Errorf("policy %q: %w", path, err)
	}
	return file.Consensus, nil
}
