package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/logging"
	"github.com/example/ekko-capture/internal/recognition"
)

const (
	BackendGRPC = "grpc"

	// DetectTextMethod is the full method name served by the OCR sidecar. Requests and
	// responses are google.protobuf.Struct messages:
	//   request:  {"image": "<base64 jpeg>"}
	//   response: {"detections": [{"text", "type", "bounding_box": {"left","top","width","height"}}]}
	DetectTextMethod = "/ekko.ocr.v1.TextDetector/DetectText"
)

// DialTextDetector returns a ready-to-use recognition client for the OCR sidecar.
func DialTextDetector(ctx context.Context, addr string, logger *zap.Logger) (recognition.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_text_detector", "", err)
		logger.Error("failed to dial text detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewTextDetector(conn, logger), conn, nil
}

// NewTextDetector builds a client on an existing connection.
func NewTextDetector(conn grpc.ClientConnInterface, logger *zap.Logger) recognition.Client {
	return &grpcTextDetector{conn: conn, logger: logger.Named("grpc_text_detector")}
}

type grpcTextDetector struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcTextDetector) DetectText(ctx context.Context, image []byte) ([]capture.RawDetection, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, &capture.RecognitionError{Backend: BackendGRPC, Err: err}
	}
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, DetectTextMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_text", "", err)
		g.logger.Error("text detector call failed", zap.Error(wrapped))
		return nil, &capture.RecognitionError{Backend: BackendGRPC, Err: wrapped}
	}
	detections, err := decodeDetections(resp)
	if err != nil {
		g.logger.Error("malformed text detector response", zap.Error(err))
		return nil, &capture.RecognitionError{Backend: BackendGRPC, Err: err}
	}
	return detections, nil
}

func decodeDetections(resp *structpb.Struct) ([]capture.RawDetection, error) {
	field, ok := resp.GetFields()["detections"]
	if !ok || field.GetKind() == nil {
		return nil, nil
	}
	if _, isNull := field.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	list := field.GetListValue()
	if list == nil {
		return nil, errors.New("detections is not a list")
	}
	out := make([]capture.RawDetection, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		item := v.GetStructValue()
		if item == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		fields := item.GetFields()
		kind, ok := capture.ParseDetectionKind(fields["type"].GetStringValue())
		if !ok {
			continue
		}
		text := fields["text"].GetStringValue()
		if text == "" {
			continue
		}
		var box capture.BoundingBox
		if bb := fields["bounding_box"].GetStructValue(); bb != nil {
			f := bb.GetFields()
			box = capture.BoundingBox{
				Left:   f["left"].GetNumberValue(),
				Top:    f["top"].GetNumberValue(),
				Width:  f["width"].GetNumberValue(),
				Height: f["height"].GetNumberValue(),
			}.Clamp()
		}
		out = append(out, capture.RawDetection{Text: text, Kind: kind, BoundingBox: box})
	}
	return out, nil
}
