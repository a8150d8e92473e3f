package ledger

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is a YAML document of pending items to seed a ledger with.
//
//	pending_items:
//	  - id: p1
//	    subject_id: 1
//	    legal_entity_id: 7
//	    amount: "50.00"
//	    is_due: true
type Fixture struct {
	PendingItems []PendingItem `yaml:"pending_items"`
}

// ParseFixture decodes and checks a fixture document.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// LoadFixture reads and parses the fixture at path.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f, err := ParseFixture(data)
	if err != nil {
		return Fixture{}, fmt.Errorf("fixture %s: %w", path, err)
	}
	return f, nil
}

// Validate rejects items without an id, duplicate ids and amounts that
// fail ValidateAmount.
func (f Fixture) Validate() error {
	seen := make(map[string]struct{}, len(f.PendingItems))
	for i, p := range f.PendingItems {
		if p.ID == "" {
			return fmt.Errorf("pending_items[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("pending_items[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := ValidateAmount(p.Amount); err != nil {
			return fmt.Errorf("pending_items[%d]: %w", i, err)
		}
	}
	return nil
}
