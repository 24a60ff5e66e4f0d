// Package fleetplan loads and persists the FleetPlan configuration
// document: a versioned, human-editable YAML file describing the expected
// fleet, schedule windows, and global constraints.
package fleetplan

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/fleetd/fleetd/internal/model"
)

const (
	CurrentSchemaVersion = 1
	FileType             = "fleet_plan"
)

type schemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func validateHeader(content []byte) error {
	var header schemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if header.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	}
	if header.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	}
	if header.FileType != FileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, FileType)
	}
	return nil
}

// Load reads, validates, and normalizes a FleetPlan document.
func Load(path string) (*model.FleetPlan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet plan: %w", err)
	}
	return Parse(content)
}

// Parse validates and normalizes a FleetPlan document from raw bytes.
func Parse(content []byte) (*model.FleetPlan, error) {
	if err := validateHeader(content); err != nil {
		return nil, fmt.Errorf("schema header: %w", err)
	}
	var plan model.FleetPlan
	if err := yamlv3.Unmarshal(content, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal fleet plan: %w", err)
	}
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("validate fleet plan: %w", err)
	}
	return &plan, nil
}

// Save writes the plan atomically.
func Save(path string, plan *model.FleetPlan) error {
	plan.SchemaVersion = CurrentSchemaVersion
	plan.FileType = FileType
	return atomicWrite(path, plan)
}

// Default returns a minimal plan suitable for `fleetd plan init`.
func Default(fleetName string) *model.FleetPlan {
	plan := &model.FleetPlan{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileType,
		Version:       "1",
		Fleet:         model.FleetConfig{Name: fleetName},
		Recovery: model.RecoveryConfig{
			Ladder: []model.LadderRung{
				{Action: "nudge", Cooldown: model.DefaultStallThreshold},
				{Action: "reset_mode", Cooldown: 5 * model.DefaultStallThreshold},
				{Action: "restart_session", Cooldown: 15 * model.DefaultStallThreshold},
			},
		},
	}
	plan.Normalize()
	return plan
}
