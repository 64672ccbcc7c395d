package common

import "fmt"

// FruitVariety one (fruit, variety) pair of the catalog
type FruitVariety struct {
	Fruit   string `json:"fruit"`
	Variety string `json:"variety"`
}

// Code the device facing code of the pair, e.g. APPLE[GR]
func (f FruitVariety) Code() string {
	abbrev := []rune(f.Variety)
	if len(abbrev) > 2 {
		abbrev = abbrev[:2]
	}
	return fmt.Sprintf("%s[%s]", f.Fruit, string(abbrev))
}

// String toString function
func (f FruitVariety) String() string {
	return fmt.Sprintf("%s/%s", f.Fruit, f.Variety)
}
