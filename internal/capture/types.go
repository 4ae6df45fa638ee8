package capture

import "strings"

// DetectionKind classifies an OCR fragment as a full line or a single word token.
type DetectionKind string

const (
	KindLine DetectionKind = "LINE"
	KindWord DetectionKind = "WORD"
)

// ParseDetectionKind maps a service-provided type label onto a DetectionKind.
func ParseDetectionKind(s string) (DetectionKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(KindLine):
		return KindLine, true
	case string(KindWord):
		return KindWord, true
	}
	return "", false
}

// BoundingBox is normalised to the image frame, every coordinate within [0,1].
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Union returns the smallest box containing both b and o.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	left := minf(b.Left, o.Left)
	top := minf(b.Top, o.Top)
	right := maxf(b.Left+b.Width, o.Left+o.Width)
	bottom := maxf(b.Top+b.Height, o.Top+o.Height)
	return BoundingBox{Left: left, Top: top, Width: right - left, Height: bottom - top}
}

// Clamp forces every edge of the box into the unit square.
func (b BoundingBox) Clamp() BoundingBox {
	left := clamp01(b.Left)
	top := clamp01(b.Top)
	right := clamp01(b.Left + b.Width)
	bottom := clamp01(b.Top + b.Height)
	return BoundingBox{Left: left, Top: top, Width: right - left, Height: bottom - top}
}

// RawDetection is one text fragment returned by the OCR service.
type RawDetection struct {
	Text        string        `json:"text"`
	Kind        DetectionKind `json:"kind"`
	BoundingBox BoundingBox   `json:"bounding_box"`
}

// Grammar identifies one structured-field recognition use case.
type Grammar string

const (
	GrammarPlateFR        Grammar = "plate_fr"
	GrammarDocumentNumber Grammar = "document_number"
)

// ParseGrammar accepts the wire names of the supported grammars.
func ParseGrammar(s string) (Grammar, bool) {
	switch Grammar(strings.ToLower(strings.TrimSpace(s))) {
	case GrammarPlateFR:
		return GrammarPlateFR, true
	case GrammarDocumentNumber:
		return GrammarDocumentNumber, true
	}
	return "", false
}

// FieldSource records which path produced a field.
type FieldSource string

const (
	SourceImage  FieldSource = "image"
	SourceManual FieldSource = "manual"
)

// ExtractedField is a structured value that has passed its grammar validator.
type ExtractedField struct {
	Value   string      `json:"value"`
	Grammar Grammar     `json:"grammar"`
	Source  FieldSource `json:"source"`
	// Region is the detection box, or the union of boxes when the value was
	// assembled from several word tokens. Nil for manual entries.
	Region *BoundingBox `json:"region,omitempty"`
	// Tokens is the number of detections the value was assembled from.
	Tokens int `json:"tokens"`
}

// SameValue reports whether two fields carry the same grammar and value.
func (f *ExtractedField) SameValue(o *ExtractedField) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.Grammar == o.Grammar && f.Value == o.Value
}

// Mode selects where an image is acquired from.
type Mode string

const (
	ModeCamera  Mode = "camera"
	ModeLibrary Mode = "library"
)

// ParseMode accepts "camera" and "library".
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCamera:
		return ModeCamera, true
	case ModeLibrary:
		return ModeLibrary, true
	}
	return "", false
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
