// CLAUDE:SUMMARY Built-in pattern catalog: countdown, scarcity, social proof, forced continuity (EN/DE).
// Package builtin provides the default detection catalog. Predicates live in
// Go; names and info texts come from the embedded patterns.yaml so they can
// be reworded without touching detection code.
package builtin

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/phl/patternwatch/pattern"
)

//go:embed patterns.yaml
var metadataYAML []byte

type metadata struct {
	Class     string   `yaml:"class"`
	Name      string   `yaml:"name"`
	InfoURL   string   `yaml:"info_url"`
	Info      string   `yaml:"info"`
	Languages []string `yaml:"languages"`
}

// predicates by class name. Order within a slice is evaluation order.
var predicates = map[string][]pattern.Predicate{
	"countdown":         {countdown},
	"scarcity":          {matchText(scarcityEN), matchText(scarcityDE)},
	"social-proof":      {matchText(socialProofEN), matchText(socialProofDE)},
	"forced-continuity": {matchText(continuityEN...), matchText(continuityDE...)},
}

// Definitions returns the built-in definitions in priority order.
func Definitions() ([]pattern.Definition, error) {
	var meta []metadata
	if err := yaml.Unmarshal(metadataYAML, &meta); err != nil {
		return nil, fmt.Errorf("builtin: parse metadata: %w", err)
	}
	defs := make([]pattern.Definition, 0, len(meta))
	for _, m := range meta {
		preds, ok := predicates[m.Class]
		if !ok {
			return nil, fmt.Errorf("builtin: no predicates for class %q", m.Class)
		}
		defs = append(defs, pattern.Definition{
			Name:       m.Name,
			ClassName:  m.Class,
			Predicates: preds,
			InfoURL:    m.InfoURL,
			Info:       m.Info,
			Languages:  m.Languages,
		})
	}
	return defs, nil
}

// Catalog returns the validated built-in catalog.
func Catalog(prefix string) (*pattern.Catalog, error) {
	defs, err := Definitions()
	if err != nil {
		return nil, err
	}
	return pattern.NewCatalog(prefix, defs...)
}
