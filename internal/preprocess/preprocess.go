package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
)

const (
	MinQuality     = 0.5
	MaxQuality     = 0.7
	DefaultQuality = 0.7
)

// Profile is the target geometry for one grammar.
type Profile struct {
	Width  int
	Height int // 0 keeps the aspect ratio
}

// ProfileFor returns the resize target used for a grammar: plates are scaled by
// width only, documents are framed into a fixed square.
func ProfileFor(g capture.Grammar) Profile {
	switch g {
	case capture.GrammarDocumentNumber:
		return Profile{Width: 1024, Height: 1024}
	default:
		return Profile{Width: 800}
	}
}

// Preprocessor resizes and recompresses captured images into JPEG payloads.
type Preprocessor struct {
	quality int
	logger  *zap.Logger
}

// New builds a Preprocessor. quality is a 0..1 factor clamped to [MinQuality, MaxQuality].
func New(quality float64, logger *zap.Logger) *Preprocessor {
	if quality <= 0 {
		quality = DefaultQuality
	}
	quality = math.Max(MinQuality, math.Min(MaxQuality, quality))
	return &Preprocessor{quality: int(math.Round(quality * 100)), logger: logger.Named("preprocess")}
}

// Quality returns the JPEG quality in percent.
func (p *Preprocessor) Quality() int { return p.quality }

// Normalize decodes img, resizes it and encodes it as JPEG. With only targetWidth set the
// aspect ratio is kept; with both set the image is cropped to fill the exact frame.
// img.Width and img.Height are updated to the encoded size.
func (p *Preprocessor) Normalize(ctx context.Context, img *capture.CapturedImage, targetWidth, targetHeight int) ([]byte, error) {
	if img == nil || img.LocalURI == "" {
		return nil, &capture.PreprocessError{Err: fmt.Errorf("no image")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := imaging.Open(img.LocalURI, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &capture.PreprocessError{Path: img.LocalURI, Err: err}
	}

	switch {
	case targetWidth > 0 && targetHeight > 0:
		src = imaging.Fill(src, targetWidth, targetHeight, imaging.Center, imaging.Lanczos)
	case targetWidth > 0:
		src = imaging.Resize(src, targetWidth, 0, imaging.Lanczos)
	case targetHeight > 0:
		src = imaging.Resize(src, 0, targetHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		return nil, &capture.PreprocessError{Path: img.LocalURI, Err: err}
	}
	bounds := src.Bounds()
	img.Width, img.Height = bounds.Dx(), bounds.Dy()
	p.logger.Debug("image normalized",
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("bytes", buf.Len()),
		zap.Int("quality", p.quality),
	)
	return buf.Bytes(), nil
}
