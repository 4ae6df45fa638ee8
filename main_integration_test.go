package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/auth"
	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/gate"
	"github.com/example/ekko-capture/internal/handlers"
	"github.com/example/ekko-capture/internal/lookup"
	"github.com/example/ekko-capture/internal/repository"
	"github.com/example/ekko-capture/internal/session"
	"github.com/example/ekko-capture/internal/usecase"
	"github.com/example/ekko-capture/internal/workflow"
)

type passthroughPreprocessor struct{}

func (passthroughPreprocessor) Normalize(context.Context, *capture.CapturedImage, int, int) ([]byte, error) {
	return []byte("jpeg"), nil
}

// heldRecognizer blocks inside DetectText until released.
type heldRecognizer struct {
	started chan struct{}
	release chan struct{}
}

func (r *heldRecognizer) DetectText(context.Context, []byte) ([]capture.RawDetection, error) {
	close(r.started)
	<-r.release
	return []capture.RawDetection{{Text: "AB-123-CD", Kind: capture.KindLine}}, nil
}

type noVehicle struct{}

func (noVehicle) Decode(context.Context, string, string) (*lookup.VehicleDescriptor, error) {
	return nil, nil
}

type discardAttempts struct{}

func (discardAttempts) SaveAttempt(context.Context, *repository.CaptureAttempt) error { return nil }
func (discardAttempts) ListBySessionAndUser(context.Context, string, string) ([]*repository.CaptureAttempt, error) {
	return nil, nil
}
func (discardAttempts) AggregateMetrics(context.Context) (*repository.AttemptAggregate, error) {
	return &repository.AttemptAggregate{}, nil
}

type noEvents struct{}

func (noEvents) Serve(http.ResponseWriter, *http.Request, string, workflow.State) error { return nil }

func TestServerGracefulShutdownFinishesInFlightCapture(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	rec := &heldRecognizer{started: make(chan struct{}), release: make(chan struct{})}
	released := false
	defer func() {
		if !released {
			close(rec.release)
		}
	}()

	store := session.NewStore()
	uc := usecase.NewCaptureUseCase(usecase.Deps{
		Preprocessor: passthroughPreprocessor{},
		Recognizer:   rec,
		Gate:         gate.New(store, noVehicle{}, logger),
		Contexts:     store,
		Attempts:     discardAttempts{},
		SpoolDir:     t.TempDir(),
	}, logger)
	defer uc.Close()

	const secret = "integration-secret"
	router := gin.New()
	router.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(router, uc, noEvents{}, auth.JWTMiddleware(auth.Config{Secret: secret}), logger)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	base := "http://" + listener.Addr().String()
	waitForServer(t, listener.Addr().String())
	token := signToken(t, secret, "driver-1")
	client := &http.Client{Timeout: 3 * time.Second}

	createReq, _ := http.NewRequest(http.MethodPost, base+"/captures", bytes.NewBufferString(`{"grammar":"plate_fr","camera_granted":true}`))
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("Authorization", "Bearer "+token)
	createResp, err := client.Do(createReq)
	if err != nil {
		t.Fatalf("create capture: %v", err)
	}
	var info usecase.SessionInfo
	err = json.NewDecoder(createResp.Body).Decode(&info)
	createResp.Body.Close()
	if err != nil || info.ID == "" {
		t.Fatalf("decode session: %v", err)
	}

	body, contentType := photoUpload(t)
	uploadReq, _ := http.NewRequest(http.MethodPost, base+"/captures/"+info.ID+"/image?mode=camera", body)
	uploadReq.Header.Set("Content-Type", contentType)
	uploadReq.Header.Set("Authorization", "Bearer "+token)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Do(uploadReq)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("recognition did not start in time")
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	close(rec.release)
	released = true

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, raw)
		}
		var payload struct {
			State workflow.State `json:"state"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		if !payload.State.Found() || payload.State.Field.Value != "AB-123-CD" {
			t.Fatalf("expected resolved plate, got %+v", payload.State)
		}
	case err := <-errCh:
		t.Fatalf("upload failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("upload did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func signToken(t *testing.T, secret, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func photoUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="plate.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("photo")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
