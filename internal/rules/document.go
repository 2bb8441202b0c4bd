package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.schema.json
var catalogSchema []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("catalog.schema.json", bytes.NewReader(catalogSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("catalog.schema.json")
	})
	return schema, schemaErr
}

// Document is the externally supplied form of a catalog version.
type Document struct {
	Version       string     `json:"version,omitempty" yaml:"version"`
	EffectiveFrom *time.Time `json:"effectiveFrom,omitempty" yaml:"effectiveFrom"`
	Rules         []Rule     `json:"rules" yaml:"rules"`
	SiteOverrides Overrides  `json:"siteOverrides,omitempty" yaml:"siteOverrides"`
}

// LoadFile reads and validates a YAML catalog document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates a YAML (or JSON, which is YAML) document against the
// catalog schema, decodes it and validates every rule.
func Parse(data []byte) (*Document, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := validateSchema(generic); err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks rules and overrides without touching the schema.
func (d *Document) Validate() error {
	if err := ValidateSet(d.Rules); err != nil {
		return err
	}
	return d.SiteOverrides.Validate(d.Rules)
}

// validateSchema runs the schema over a YAML-decoded tree. The tree is
// normalised through JSON first so numbers and timestamps have JSON types.
func validateSchema(generic any) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("rules: compile schema: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	var normalised any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&normalised); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := sch.Validate(normalised); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return nil
}
