package tariff

import (
	"fmt"
	"sort"
	"sync"
)

// TextParserFunc parses the extracted text of a tariff sheet.
type TextParserFunc func(text string) (Sheet, error)

// ParserConfig describes one provider's tariff sheet format.
type ParserConfig struct {
	// Key is the unique identifier for this provider (e.g., "cemc", "kub").
	Key string

	// Name is the human-readable name of the utility.
	Name string

	// UtilityType is the rate catalog the sheet publishes into.
	UtilityType string

	// Region is copied onto published rate versions.
	Region string

	ParseText TextParserFunc
}

var (
	parsersMu sync.RWMutex
	parsers   = make(map[string]ParserConfig)
)

// RegisterParser registers a parser configuration for a provider.
// This is typically called from an init() function in each parser file.
func RegisterParser(cfg ParserConfig) {
	if cfg.Key == "" {
		panic("tariff: RegisterParser called with empty key")
	}
	if cfg.ParseText == nil {
		panic(fmt.Sprintf("tariff: RegisterParser(%q) called with nil ParseText", cfg.Key))
	}

	parsersMu.Lock()
	defer parsersMu.Unlock()

	if _, exists := parsers[cfg.Key]; exists {
		panic(fmt.Sprintf("tariff: RegisterParser called twice for key %q", cfg.Key))
	}
	parsers[cfg.Key] = cfg
}

// GetParser returns the parser configuration for a provider key.
func GetParser(key string) (ParserConfig, bool) {
	parsersMu.RLock()
	defer parsersMu.RUnlock()

	cfg, ok := parsers[key]
	return cfg, ok
}

// ListParsers returns all registered parser keys, sorted.
func ListParsers() []string {
	parsersMu.RLock()
	defer parsersMu.RUnlock()

	keys := make([]string, 0, len(parsers))
	for k := range parsers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
