package generate

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Scorer compares a prediction with its ground truth. Scores are in [0, 1].
type Scorer interface {
	Name() string
	Score(prediction, groundTruth string) (float64, error)
}

var errEmptyReference = errors.New("empty ground truth")

// ExactMatch scores 1 when prediction and ground truth are equal after
// trimming surrounding whitespace.
type ExactMatch struct{}

func (ExactMatch) Name() string { return "exact_match" }

func (ExactMatch) Score(prediction, groundTruth string) (float64, error) {
	if strings.TrimSpace(groundTruth) == "" {
		return 0, errEmptyReference
	}
	if strings.TrimSpace(prediction) == strings.TrimSpace(groundTruth) {
		return 1, nil
	}
	return 0, nil
}

// EditSimilarity is one minus the Levenshtein distance normalized by the
// longer string, measured in runes.
type EditSimilarity struct{}

func (EditSimilarity) Name() string { return "edit_similarity" }

func (EditSimilarity) Score(prediction, groundTruth string) (float64, error) {
	p, g := strings.TrimSpace(prediction), strings.TrimSpace(groundTruth)
	if g == "" {
		return 0, errEmptyReference
	}
	longest := max(utf8.RuneCountInString(p), utf8.RuneCountInString(g))
	return 1 - float64(levenshtein.ComputeDistance(p, g))/float64(longest), nil
}

// ParseScorer returns the scorer registered under name. An empty name or
// "none" disables scoring.
func ParseScorer(name string) (Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "exact_match", "exact":
		return ExactMatch{}, nil
	case "edit_similarity", "edit", "levenshtein":
		return EditSimilarity{}, nil
	}
	return nil, fmt.Errorf("unknown prediction scorer %q", name)
}
