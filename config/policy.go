package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"vendorflow/agreement"

	"gopkg.in/yaml.v3"
)

const defaultResponseWindow = 72 * time.Hour

// Policy is the lifecycle policy: the finalization response window and the
// slab schedule applied when an agreement is materialized.
type Policy struct {
	ResponseWindow time.Duration                   `yaml:"response_window"`
	DefaultSlabs   []agreement.SlabRule            `yaml:"default_slabs"`
	CategorySlabs  map[string][]agreement.SlabRule `yaml:"category_slabs"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		ResponseWindow: defaultResponseWindow,
		DefaultSlabs: []agreement.SlabRule{
			{Label: "advance", Percent: 40, Anchor: agreement.AnchorAgreement},
			{Label: "pre-event", Percent: 40, Anchor: agreement.AnchorEvent, Offset: -7 * 24 * time.Hour},
			{Label: "settlement", Percent: 20, Anchor: agreement.AnchorEvent, Offset: 24 * time.Hour},
		},
	}
}

// LoadPolicy reads and validates a YAML policy file. An empty path yields
// DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read policy: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes and validates policy YAML. Unset fields fall back to
// DefaultPolicy.
func ParsePolicy(raw []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("config: decode policy: %w", err)
	}
	def := DefaultPolicy()
	if p.ResponseWindow == 0 {
		p.ResponseWindow = def.ResponseWindow
	}
	if len(p.DefaultSlabs) == 0 {
		p.DefaultSlabs = def.DefaultSlabs
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	var errs []error
	if p.ResponseWindow <= 0 {
		errs = append(errs, errors.New("config: response_window must be positive"))
	}
	if err := agreement.ValidatePolicy(p.DefaultSlabs); err != nil {
		errs = append(errs, fmt.Errorf("config: default_slabs: %w", err))
	}
	for category, rules := range p.CategorySlabs {
		if err := agreement.ValidatePolicy(rules); err != nil {
			errs = append(errs, fmt.Errorf("config: category_slabs[%s]: %w", category, err))
		}
	}
	return errors.Join(errs...)
}

// SlabPolicy returns the rules for category, falling back to the default set.
func (p Policy) SlabPolicy(category string) []agreement.SlabRule {
	if rules, ok := p.CategorySlabs[strings.ToLower(strings.TrimSpace(category))]; ok {
		return rules
	}
	return p.DefaultSlabs
}

// FinalizationWindow returns the vendor response window.
func (p Policy) FinalizationWindow() time.Duration {
	return p.ResponseWindow
}
