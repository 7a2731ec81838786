// Package riskmatrix loads the optional operator-maintained risk matrix that
// overrides proposal risk levels and blocks whole categories. Absence of the
// file is not an error; runs without a matrix record that fact as a metric.
package riskmatrix

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Matrix struct {
	// Overrides maps a category to a forced risk level (low, medium, high).
	Overrides map[string]string `yaml:"overrides"`
	// Blocked lists categories that must never be selected.
	Blocked []string `yaml:"blocked"`
}

// RiskFor returns the risk level for a category, falling back to the
// proposal's own level when no override exists.
func (m Matrix) RiskFor(category, fallback string) string {
	if level, ok := m.Overrides[category]; ok {
		return level
	}
	return fallback
}

// IsBlocked reports whether a category is blocked outright.
func (m Matrix) IsBlocked(category string) bool {
	for _, b := range m.Blocked {
		if b == category {
			return true
		}
	}
	return false
}

func (m Matrix) validate() error {
	for cat, level := range m.Overrides {
		switch level {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("risk matrix override %s: unknown level %q", cat, level)
		}
	}
	return nil
}

// Load reads the matrix at path. The second return is false when the file
// does not exist; a present but malformed file is an error.
func Load(path string) (Matrix, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Matrix{}, false, nil
		}
		return Matrix{}, false, err
	}
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Matrix{}, false, fmt.Errorf("parse risk matrix %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return Matrix{}, false, err
	}
	return m, true, nil
}
