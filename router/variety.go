package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alwitt/fruitscan/common"
)

// ErrUnknownVarietyCode the model change code is not in the variety table
var ErrUnknownVarietyCode = errors.New("unknown variety code")

// VarietyTable lookup from FRUIT[VA] codes to fruit variety IDs
type VarietyTable struct {
	codes map[string]int
}

// NewVarietyTable build a variety table
func NewVarietyTable(entries []common.VarietyCodeEntry) (VarietyTable, error) {
	table := VarietyTable{codes: make(map[string]int, len(entries))}
	for _, entry := range entries {
		code := strings.TrimSpace(entry.Code)
		if code == "" {
			return VarietyTable{}, fmt.Errorf("empty variety code for ID %d", entry.VarietyID)
		}
		if _, ok := table.codes[code]; ok {
			return VarietyTable{}, fmt.Errorf("variety code %s defined more than once", code)
		}
		table.codes[code] = entry.VarietyID
	}
	return table, nil
}

// Lookup resolve a code to its variety ID
func (t VarietyTable) Lookup(code string) (int, error) {
	id, ok := t.codes[strings.TrimSpace(code)]
	if !ok {
		return 0, fmt.Errorf("%w: '%s'", ErrUnknownVarietyCode, code)
	}
	return id, nil
}

// Len number of codes
func (t VarietyTable) Len() int {
	return len(t.codes)
}
