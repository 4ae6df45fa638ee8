package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/logging"
)

type detectFunc func(req *structpb.Struct) (*structpb.Struct, error)

func startServer(t *testing.T, fn detectFunc) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "ekko.ocr.v1.TextDetector",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "DetectText",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				return fn(req)
			},
		}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDetectTextDecodesResponse(t *testing.T) {
	var gotImage string
	conn := startServer(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		gotImage = req.GetFields()["image"].GetStringValue()
		return structpb.NewStruct(map[string]interface{}{
			"detections": []interface{}{
				map[string]interface{}{"text": "111111", "type": "WORD", "bounding_box": map[string]interface{}{"left": 0.1, "top": 0.2, "width": 0.1, "height": 0.05}},
				map[string]interface{}{"text": "ignored", "type": "PARAGRAPH"},
				map[string]interface{}{"text": "222222", "type": "word"},
			},
		})
	})
	client := NewTextDetector(conn, zap.NewNop())

	got, err := client.DetectText(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if gotImage != base64.StdEncoding.EncodeToString([]byte("jpeg")) {
		t.Fatalf("unexpected image payload %q", gotImage)
	}
	if len(got) != 2 || got[0].Text != "111111" || got[1].Text != "222222" {
		t.Fatalf("unexpected detections %+v", got)
	}
	if got[0].Kind != capture.KindWord || got[0].BoundingBox.Left != 0.1 {
		t.Fatalf("unexpected first detection %+v", got[0])
	}
}

func TestDetectTextEmptyResponse(t *testing.T) {
	conn := startServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})
	got, err := NewTextDetector(conn, zap.NewNop()).DetectText(context.Background(), []byte("jpeg"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no detections, got %+v", got)
	}
}

func TestDetectTextServiceFailure(t *testing.T) {
	conn := startServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "model loading")
	})
	_, err := NewTextDetector(conn, zap.NewNop()).DetectText(context.Background(), []byte("jpeg"))
	if !errors.Is(err, capture.ErrRecognitionService) {
		t.Fatalf("expected ErrRecognitionService, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError in chain, got %T", err)
	}
	if status.Code(opErr.Err) != codes.Unavailable {
		t.Fatalf("expected Unavailable status to be preserved, got %v", err)
	}
}
