package market

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultTheme is assigned to instruments without an explicit theme tag.
const DefaultTheme = "Unknown"

// Universe is the static whitelist of tradable instruments with their
// theme tags. Immutable after load.
type Universe struct {
	symbols []string
	themes  map[string]string
	member  map[string]bool
}

type universeFile struct {
	Instruments []struct {
		Symbol string `yaml:"symbol"`
		Theme  string `yaml:"theme"`
	} `yaml:"instruments"`
}

// NewUniverse builds a universe from symbol -> theme pairs. Symbols keep
// the given order.
func NewUniverse(symbols []string, themes map[string]string) *Universe {
	u := &Universe{
		symbols: make([]string, len(symbols)),
		themes:  make(map[string]string, len(symbols)),
		member:  make(map[string]bool, len(symbols)),
	}
	copy(u.symbols, symbols)
	for _, s := range u.symbols {
		u.member[s] = true
		if th, ok := themes[s]; ok && th != "" {
			u.themes[s] = th
		}
	}
	return u
}

// LoadUniverse reads the whitelist YAML file.
func LoadUniverse(path string) (*Universe, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe: %w", err)
	}

	var f universeFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse universe: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("universe %s: no instruments", path)
	}

	symbols := make([]string, 0, len(f.Instruments))
	themes := make(map[string]string, len(f.Instruments))
	for _, in := range f.Instruments {
		if in.Symbol == "" {
			return nil, fmt.Errorf("universe %s: instrument with empty symbol", path)
		}
		symbols = append(symbols, in.Symbol)
		themes[in.Symbol] = in.Theme
	}
	return NewUniverse(symbols, themes), nil
}

// Symbols returns the whitelist in declaration order.
func (u *Universe) Symbols() []string { return u.symbols }

// Len returns the whitelist size.
func (u *Universe) Len() int { return len(u.symbols) }

// Contains reports whitelist membership.
func (u *Universe) Contains(symbol string) bool { return u.member[symbol] }

// Theme returns the instrument's theme tag, or DefaultTheme when untagged.
func (u *Universe) Theme(symbol string) string {
	if th, ok := u.themes[symbol]; ok {
		return th
	}
	return DefaultTheme
}
