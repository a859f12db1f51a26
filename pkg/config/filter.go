package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Base patterns rejecting non-informative recognizer output.
var baseNonInformativePatterns = []string{
	`^\[BLANK_AUDIO\]$`,
	`^<no audio>$`,
	`^<inaudible>$`,
	`^<>$`,
	`^<3$`,
	`^<3\s*$`,
	`^\s*<3\s*$`,
	`^\s*$`,
	`^>+$`,
	`^<+$`,
	`^>>$`,
	`^<<$`,
}

// FilterConfig tunes the transcript text filter. Patterns from the YAML
// file are appended to the built-in set; stopwords are keyed by language
// code.
type FilterConfig struct {
	Patterns           []string            `yaml:"additional_patterns"`
	MinCharacterLength int                 `yaml:"min_character_length"`
	MinRealWords       int                 `yaml:"min_real_words"`
	Stopwords          map[string][]string `yaml:"stopwords"`
}

// DefaultFilterConfig returns the built-in filter settings.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		Patterns:           append([]string(nil), baseNonInformativePatterns...),
		MinCharacterLength: 3,
		MinRealWords:       1,
		Stopwords:          map[string][]string{},
	}
}

// LoadFilterConfig merges the YAML file at path over the defaults. An empty
// path returns the defaults unchanged.
func LoadFilterConfig(path string) (*FilterConfig, error) {
	cfg := DefaultFilterConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var loaded FilterConfig
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Patterns = append(cfg.Patterns, loaded.Patterns...)
	if loaded.MinCharacterLength > 0 {
		cfg.MinCharacterLength = loaded.MinCharacterLength
	}
	if loaded.MinRealWords > 0 {
		cfg.MinRealWords = loaded.MinRealWords
	}
	for lang, words := range loaded.Stopwords {
		cfg.Stopwords[lang] = words
	}
	return cfg, nil
}
