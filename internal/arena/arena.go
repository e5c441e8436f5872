// Package arena models the content of arena mini-game activities as a
// tagged variant. Raw payloads are validated against a per-kind JSON Schema
// before they are decoded into their typed form.
package arena

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/p-n-ai/pai-arena/internal/apperr"
)

// Kind discriminates the activity variants.
type Kind string

const (
	KindClassification    Kind = "classification"
	KindSymbiosisDuel     Kind = "symbiosis_duel"
	KindPredatorNarrative Kind = "predator_narrative"
)

// Valid reports whether k names a known variant.
func (k Kind) Valid() bool {
	switch k {
	case KindClassification, KindSymbiosisDuel, KindPredatorNarrative:
		return true
	}
	return false
}

// Activity is a single arena question. Exactly one of the variant fields is
// set, matching Kind.
type Activity struct {
	ID                string             `json:"id"`
	ModuleID          string             `json:"module_id"`
	Kind              Kind               `json:"kind"`
	Classification    *Classification    `json:"classification,omitempty"`
	SymbiosisDuel     *SymbiosisDuel     `json:"symbiosis_duel,omitempty"`
	PredatorNarrative *PredatorNarrative `json:"predator_narrative,omitempty"`
}

// Classification asks the student to sort items into categories, e.g.
// biotic and abiotic ecosystem components.
type Classification struct {
	Prompt     string               `json:"prompt"`
	Categories []string             `json:"categories"`
	Items      []ClassificationItem `json:"items"`
}

// ClassificationItem is one item and the category it belongs to.
type ClassificationItem struct {
	Label    string `json:"label"`
	Category string `json:"category"`
}

// SymbiosisDuel shows an organism pair and asks for the relationship type.
type SymbiosisDuel struct {
	Pair        string   `json:"pair"`
	Choices     []string `json:"choices"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
}

// PredatorNarrative is a branching story where each step has one correct choice.
type PredatorNarrative struct {
	Title string          `json:"title"`
	Steps []NarrativeStep `json:"steps"`
}

// NarrativeStep is one decision point of a PredatorNarrative.
type NarrativeStep struct {
	Text    string   `json:"text"`
	Choices []string `json:"choices"`
	Answer  string   `json:"answer"`
}

// Decode validates payload against the schema for kind and decodes it into
// an Activity. Any failure is an apperr.ValidationError.
func Decode(id, moduleID string, kind Kind, payload []byte) (Activity, error) {
	if id == "" {
		return Activity{}, apperr.Invalid("activity.id", "is required")
	}
	if !kind.Valid() {
		return Activity{}, apperr.Invalid("activity.kind", "unknown kind %q", kind)
	}
	if err := validatePayload(kind, payload); err != nil {
		return Activity{}, err
	}

	a := Activity{ID: id, ModuleID: moduleID, Kind: kind}
	var target any
	switch kind {
	case KindClassification:
		a.Classification = &Classification{}
		target = a.Classification
	case KindSymbiosisDuel:
		a.SymbiosisDuel = &SymbiosisDuel{}
		target = a.SymbiosisDuel
	case KindPredatorNarrative:
		a.PredatorNarrative = &PredatorNarrative{}
		target = a.PredatorNarrative
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return Activity{}, apperr.Invalid("activity.payload", "decode %s: %v", kind, err)
	}
	if err := a.check(); err != nil {
		return Activity{}, err
	}
	return a, nil
}

// check enforces cross-field rules the schema cannot express.
func (a Activity) check() error {
	switch a.Kind {
	case KindClassification:
		for _, item := range a.Classification.Items {
			if !slices.Contains(a.Classification.Categories, item.Category) {
				return apperr.Invalid("activity.payload",
					"item %q uses unknown category %q", item.Label, item.Category)
			}
		}
	case KindSymbiosisDuel:
		if !slices.Contains(a.SymbiosisDuel.Choices, a.SymbiosisDuel.Answer) {
			return apperr.Invalid("activity.payload", "answer %q is not one of the choices", a.SymbiosisDuel.Answer)
		}
	case KindPredatorNarrative:
		for i, step := range a.PredatorNarrative.Steps {
			if !slices.Contains(step.Choices, step.Answer) {
				return apperr.Invalid("activity.payload", "step %d answer %q is not one of the choices", i+1, step.Answer)
			}
		}
	}
	return nil
}

// Title returns a human-readable label for the activity.
func (a Activity) Title() string {
	switch a.Kind {
	case KindClassification:
		return a.Classification.Prompt
	case KindSymbiosisDuel:
		return a.SymbiosisDuel.Pair
	case KindPredatorNarrative:
		return a.PredatorNarrative.Title
	}
	return a.ID
}

// String implements fmt.Stringer for log output.
func (a Activity) String() string {
	return fmt.Sprintf("%s(%s)", a.Kind, a.ID)
}
