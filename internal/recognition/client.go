package recognition

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
)

// Client sends a preprocessed image to a remote OCR service and returns its
// detections in service order. An empty slice means nothing was recognized.
// Failures are reported as *capture.RecognitionError.
type Client interface {
	DetectText(ctx context.Context, image []byte) ([]capture.RawDetection, error)
}

// DefaultTimeout bounds a recognition call when no timeout is configured.
const DefaultTimeout = 15 * time.Second

type timeoutClient struct {
	next    Client
	timeout time.Duration
	backend string
	logger  *zap.Logger
}

// WithTimeout bounds every DetectText call on next. An expired call yields a
// retryable RecognitionError with Timeout set.
func WithTimeout(next Client, timeout time.Duration, backend string, logger *zap.Logger) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutClient{next: next, timeout: timeout, backend: backend, logger: logger.Named("recognition")}
}

func (c *timeoutClient) DetectText(ctx context.Context, image []byte) ([]capture.RawDetection, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		detections []capture.RawDetection
		err        error
	}
	done := make(chan result, 1)
	go func() {
		d, err := c.next.DetectText(callCtx, image)
		done <- result{d, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, c.timedOut(callCtx.Err())
		}
		return r.detections, r.err
	case <-callCtx.Done():
		// The backend may ignore cancellation; its late answer is dropped.
		if ctx.Err() != nil {
			return nil, &capture.RecognitionError{Backend: c.backend, Err: ctx.Err()}
		}
		return nil, c.timedOut(callCtx.Err())
	}
}

func (c *timeoutClient) timedOut(err error) error {
	c.logger.Warn("recognition call timed out", zap.String("backend", c.backend), zap.Duration("timeout", c.timeout))
	return &capture.RecognitionError{Backend: c.backend, Timeout: true, Err: err}
}
