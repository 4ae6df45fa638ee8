package recognition

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/logging"
)

const BackendRekognition = "rekognition"

// DetectTextAPI is the part of the Rekognition client used here.
type DetectTextAPI interface {
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// RekognitionClient adapts AWS Rekognition DetectText to Client.
type RekognitionClient struct {
	api    DetectTextAPI
	logger *zap.Logger
}

// NewRekognitionClient wraps a Rekognition API client.
func NewRekognitionClient(api DetectTextAPI, logger *zap.Logger) *RekognitionClient {
	return &RekognitionClient{api: api, logger: logger.Named("rekognition")}
}

// DetectText implements Client.
func (c *RekognitionClient) DetectText(ctx context.Context, image []byte) ([]capture.RawDetection, error) {
	if c.api == nil {
		return nil, &capture.RecognitionError{Backend: BackendRekognition, Err: errors.New("client not configured")}
	}
	out, err := c.api.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: image},
	})
	if err != nil {
		wrapped := logging.NewOperationError("recognition.rekognition_detect_text", "", err)
		c.logger.Error("rekognition DetectText failed", zap.Error(wrapped), zap.Int("image_bytes", len(image)))
		return nil, &capture.RecognitionError{Backend: BackendRekognition, Err: wrapped}
	}
	detections := mapTextDetections(out.TextDetections)
	c.logger.Debug("rekognition returned detections",
		zap.Int("raw", len(out.TextDetections)),
		zap.Int("kept", len(detections)),
	)
	return detections, nil
}

// mapTextDetections keeps LINE and WORD entries with text, in service order.
func mapTextDetections(in []types.TextDetection) []capture.RawDetection {
	out := make([]capture.RawDetection, 0, len(in))
	for _, td := range in {
		kind, ok := capture.ParseDetectionKind(string(td.Type))
		if !ok {
			continue
		}
		text := aws.ToString(td.DetectedText)
		if strings.TrimSpace(text) == "" {
			continue
		}
		var box capture.BoundingBox
		if td.Geometry != nil && td.Geometry.BoundingBox != nil {
			bb := td.Geometry.BoundingBox
			box = capture.BoundingBox{
				Left:   float64(aws.ToFloat32(bb.Left)),
				Top:    float64(aws.ToFloat32(bb.Top)),
				Width:  float64(aws.ToFloat32(bb.Width)),
				Height: float64(aws.ToFloat32(bb.Height)),
			}.Clamp()
		}
		out = append(out, capture.RawDetection{Text: text, Kind: kind, BoundingBox: box})
	}
	return out
}
