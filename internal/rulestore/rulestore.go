// Package rulestore implements the external RuleSet JSON document format of
// §6 and provides a bbolt-backed snapshot cache for a RuleStore collaborator
// (§9 "an optional RuleStore collaborator that persists rules to JSON on
// disk"). The core's Rule Engine never touches this package directly; it
// only ever sees the flat active-rule list a collaborator hands it.
package rulestore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sinanerdinc/mockpod/internal/ruleengine"
)

// RuleSet is the JSON document described by §6: a named, ordered collection
// of rules with an active flag.
type RuleSet struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Rules       []ruleengine.Rule `json:"rules"`
	IsActive    bool              `json:"isActive"`
	CreatedAt   time.Time         `json:"createdAt"`
	Description string            `json:"description"`
}

// Export writes rs as a JSON document to path.
func Export(path string, rs RuleSet) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("rulestore: marshaling rule set: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("rulestore: writing %s: %w", path, err)
	}
	return nil
}

// Import reads a RuleSet JSON document from path. Per §6/§4.9, the id is
// regenerated and isActive is forced to false on import — an imported rule
// set never silently takes over as the live active set.
func Import(path string) (RuleSet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // controlled rule-store file path
	if err != nil {
		return RuleSet{}, fmt.Errorf("rulestore: reading %s: %w", path, err)
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("rulestore: parsing %s: %w", path, err)
	}
	rs.ID = uuid.New().String()
	rs.IsActive = false
	return rs, nil
}
