// Package collector hosts the transcript ingestion pipeline: the stream
// consumers, the speaker mapper, the text filter, and the promoter that
// moves settled segments into the relational store.
package collector

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/valentinvl1/vexa/pkg/config"
)

// FilterFunc is a custom predicate; returning false rejects the segment.
type FilterFunc func(text string) bool

// TranscriptionFilter rejects non-informative recognizer output before it
// reaches persistent storage.
type TranscriptionFilter struct {
	patterns      []*regexp.Regexp
	minChars      int
	minRealWords  int
	stopwords     map[string]map[string]struct{}
	customFilters []FilterFunc
}

// NewTranscriptionFilter compiles the configured patterns and stopword
// sets. Invalid patterns fail construction.
func NewTranscriptionFilter(cfg *config.FilterConfig) (*TranscriptionFilter, error) {
	if cfg == nil {
		cfg = config.DefaultFilterConfig()
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	stopwords := make(map[string]map[string]struct{}, len(cfg.Stopwords))
	for lang, words := range cfg.Stopwords {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[strings.ToLower(w)] = struct{}{}
		}
		stopwords[lang] = set
	}

	return &TranscriptionFilter{
		patterns:     patterns,
		minChars:     cfg.MinCharacterLength,
		minRealWords: cfg.MinRealWords,
		stopwords:    stopwords,
	}, nil
}

// AddCustomFilter registers an additional predicate applied after the
// built-in checks.
func (f *TranscriptionFilter) AddCustomFilter(fn FilterFunc) {
	f.customFilters = append(f.customFilters, fn)
}

// Accept reports whether a segment's text passes all filters. language
// selects the stopword set; unknown languages have no stopwords.
func (f *TranscriptionFilter) Accept(text, language string) bool {
	text = strings.TrimSpace(text)

	if len(text) < f.minChars {
		slog.Debug("Filtering out short text", "text", text)
		return false
	}

	for _, re := range f.patterns {
		// Anchored at the start, matching the original filter behavior.
		if loc := re.FindStringIndex(text); loc != nil && loc[0] == 0 {
			slog.Debug("Filtering out text matching pattern", "pattern", re.String(), "text", text)
			return false
		}
	}

	realWords := 0
	for _, w := range strings.Fields(text) {
		if len(w) < 3 || strings.HasPrefix(w, "<") || strings.HasPrefix(w, "[") {
			continue
		}
		if f.isStopword(w, language) {
			continue
		}
		realWords++
	}
	if realWords < f.minRealWords {
		slog.Debug("Filtering out text with insufficient real words", "text", text)
		return false
	}

	for _, custom := range f.customFilters {
		if !custom(text) {
			slog.Debug("Text rejected by custom filter", "text", text)
			return false
		}
	}
	return true
}

func (f *TranscriptionFilter) isStopword(word, language string) bool {
	set, ok := f.stopwords[language]
	if !ok {
		return false
	}
	_, stop := set[strings.ToLower(word)]
	return stop
}
