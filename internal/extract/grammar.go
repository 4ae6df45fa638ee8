package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/example/ekko-capture/internal/capture"
)

var (
	plateFR        = regexp.MustCompile(`^[A-Z]{2}-[0-9]{3}-[A-Z]{2}$`)
	documentToken  = regexp.MustCompile(`^[0-9]{6}$`)
	documentNumber = regexp.MustCompile(`^(?:[0-9]{6})+$`)
)

// assembleFunc turns the detections accepted by a grammar into one value.
type assembleFunc func(accepted []capture.RawDetection) (string, capture.BoundingBox)

// Grammar is a detection-kind filter, a token predicate and an assembly rule.
type Grammar struct {
	ID   capture.Grammar
	Kind capture.DetectionKind
	// token decides whether a single detection qualifies.
	token *regexp.Regexp
	// value validates a complete (possibly assembled) value.
	value *regexp.Regexp
	// firstOnly stops the pass at the first qualifying detection.
	firstOnly bool
	assemble  assembleFunc
}

var grammars = map[capture.Grammar]*Grammar{
	capture.GrammarPlateFR: {
		ID:        capture.GrammarPlateFR,
		Kind:      capture.KindLine,
		token:     plateFR,
		value:     plateFR,
		firstOnly: true,
		assemble:  assembleFirst,
	},
	capture.GrammarDocumentNumber: {
		ID:       capture.GrammarDocumentNumber,
		Kind:     capture.KindWord,
		token:    documentToken,
		value:    documentNumber,
		assemble: assembleConcat,
	},
}

// Lookup returns the grammar registered for id.
func Lookup(id capture.Grammar) (*Grammar, error) {
	g, ok := grammars[id]
	if !ok {
		return nil, fmt.Errorf("unknown grammar %q", id)
	}
	return g, nil
}

// Validate is the single validation predicate for a grammar. Image-derived and
// manually entered values both go through it before reaching the gate.
func Validate(id capture.Grammar, value string) error {
	g, err := Lookup(id)
	if err != nil {
		return err
	}
	if !g.value.MatchString(value) {
		return &capture.ValidationError{Grammar: id, Value: value}
	}
	return nil
}

// NormalizeManual applies the same cleanup the entry form does before validation.
func NormalizeManual(id capture.Grammar, value string) string {
	value = strings.TrimSpace(value)
	switch id {
	case capture.GrammarPlateFR:
		value = strings.ToUpper(value)
	case capture.GrammarDocumentNumber:
		value = strings.Join(strings.Fields(value), "")
	}
	return value
}

func assembleFirst(accepted []capture.RawDetection) (string, capture.BoundingBox) {
	return accepted[0].Text, accepted[0].BoundingBox
}

func assembleConcat(accepted []capture.RawDetection) (string, capture.BoundingBox) {
	var b strings.Builder
	region := accepted[0].BoundingBox
	for i, d := range accepted {
		b.WriteString(d.Text)
		if i > 0 {
			region = region.Union(d.BoundingBox)
		}
	}
	return b.String(), region
}
