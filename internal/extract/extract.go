package extract

import (
	"github.com/example/ekko-capture/internal/capture"
)

// Extract runs one pass of grammar g over a detection batch.
//
// Detections are visited in service order. PLATE_FR keeps the first LINE that
// fully matches; DOCUMENT_NUMBER keeps every matching WORD and concatenates them.
// There is no ranking between candidates and no memory across batches. A false
// second return means nothing qualified, which is a normal outcome.
func Extract(g *Grammar, batch []capture.RawDetection) (*capture.ExtractedField, bool) {
	var accepted []capture.RawDetection
	for _, d := range batch {
		if d.Kind != g.Kind || !g.token.MatchString(d.Text) {
			continue
		}
		accepted = append(accepted, d)
		if g.firstOnly {
			break
		}
	}
	if len(accepted) == 0 {
		return nil, false
	}

	value, region := g.assemble(accepted)
	// Assembled values are re-checked so nothing reaches the caller unvalidated.
	if Validate(g.ID, value) != nil {
		return nil, false
	}
	region = region.Clamp()
	return &capture.ExtractedField{
		Value:   value,
		Grammar: g.ID,
		Source:  capture.SourceImage,
		Region:  &region,
		Tokens:  len(accepted),
	}, true
}
