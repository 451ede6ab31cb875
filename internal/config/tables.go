package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidationTables holds the deployment-configured lookup tables the payload
// validator consults. Tax rates and material compatibility vary by
// jurisdiction and shop floor, so they load from YAML rather than code.
type ValidationTables struct {
	// TaxRates is the set of valid Turkish KDV percentages.
	TaxRates []float64 `yaml:"tax_rates"`
	// MaterialProcesses maps a material to the machining processes it admits.
	MaterialProcesses map[string][]string `yaml:"material_processes"`
}

// DefaultValidationTables returns the tables shipped with the service, used
// when no YAML file is configured.
func DefaultValidationTables() ValidationTables {
	return ValidationTables{
		TaxRates: []float64{0, 1, 10, 20},
		MaterialProcesses: map[string][]string{
			"aluminum": {"milling", "turning", "drilling", "tapping"},
			"steel":    {"milling", "turning", "drilling", "grinding"},
			"brass":    {"milling", "turning", "drilling"},
			"titanium": {"milling", "drilling"},
			"plastic":  {"milling", "drilling", "routing"},
			"wood":     {"milling", "routing"},
		},
	}
}

// LoadValidationTables reads tables from the given YAML path, falling back
// to the defaults when the path is empty or the file does not exist.
func LoadValidationTables(path string) (ValidationTables, error) {
	if path == "" {
		return DefaultValidationTables(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultValidationTables(), nil
		}
		return ValidationTables{}, fmt.Errorf("op=config.load_tables: %w", err)
	}
	var t ValidationTables
	if err := yaml.Unmarshal(b, &t); err != nil {
		return ValidationTables{}, fmt.Errorf("op=config.load_tables: %w", err)
	}
	if len(t.TaxRates) == 0 {
		t.TaxRates = DefaultValidationTables().TaxRates
	}
	if len(t.MaterialProcesses) == 0 {
		t.MaterialProcesses = DefaultValidationTables().MaterialProcesses
	}
	return t, nil
}

// ValidTaxRate reports whether rate is one of the configured percentages.
func (t ValidationTables) ValidTaxRate(rate float64) bool {
	for _, r := range t.TaxRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Compatible reports whether the process is admitted for the material.
func (t ValidationTables) Compatible(material, process string) bool {
	for _, p := range t.MaterialProcesses[material] {
		if p == process {
			return true
		}
	}
	return false
}
