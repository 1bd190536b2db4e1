package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resourceSchemaTmpl bounds what a single node can actually grant. Memory
// uses docker-style unit suffixes; the timeout ceiling comes from config.
const resourceSchemaTmpl = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"memory_limit": {"type": "string", "pattern": "^[0-9]+[kmg]$"},
		"cpu_count": {"type": "integer", "minimum": 1, "maximum": 32},
		"timeout_seconds": {"type": "integer", "minimum": 60, "maximum": %d}
	},
	"additionalProperties": false
}`

const defaultMaxTimeoutSeconds = 14400

type resourceValidator struct {
	schema *jsonschema.Schema
}

func newResourceValidator(maxTimeoutSeconds int) *resourceValidator {
	if maxTimeoutSeconds <= 0 {
		maxTimeoutSeconds = defaultMaxTimeoutSeconds
	}
	schema := fmt.Sprintf(resourceSchemaTmpl, maxTimeoutSeconds)
	return &resourceValidator{
		schema: jsonschema.MustCompileString("resource_config.json", schema),
	}
}

// Validate checks a raw resource config against the schema and fills unset
// fields from the defaults. An empty raw config is valid.
func (v *resourceValidator) Validate(raw []byte, defaults ResourceConfig) (ResourceConfig, error) {
	cfg := defaults
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ResourceConfig{}, fmt.Errorf("resource config is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return ResourceConfig{}, fmt.Errorf("invalid resource config: %w", err)
	}

	var req struct {
		MemoryLimit    *string `json:"memory_limit"`
		CPUCount       *int    `json:"cpu_count"`
		TimeoutSeconds *int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return ResourceConfig{}, err
	}
	if req.MemoryLimit != nil {
		cfg.MemoryLimit = *req.MemoryLimit
	}
	if req.CPUCount != nil {
		cfg.CPUCount = *req.CPUCount
	}
	if req.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *req.TimeoutSeconds
	}
	return cfg, nil
}
