package imagesource

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
)

// Picker stands in for the native picker UI of one acquisition: camera capture or
// photo library. It returns capture.ErrAborted when the user cancels.
type Picker interface {
	Pick(ctx context.Context) (*capture.CapturedImage, error)
}

// Permission answers whether camera access has been granted.
type Permission interface {
	CameraGranted(ctx context.Context) (bool, error)
}

// StaticPermission is a grant decided up front, e.g. reported by the client.
type StaticPermission bool

// CameraGranted implements Permission.
func (p StaticPermission) CameraGranted(context.Context) (bool, error) { return bool(p), nil }

// OncePermission queries the wrapped Permission a single time per session and
// remembers the answer.
type OncePermission struct {
	inner Permission

	once    sync.Once
	granted bool
	err     error
}

// NewOncePermission wraps inner so it is asked at most once.
func NewOncePermission(inner Permission) *OncePermission {
	return &OncePermission{inner: inner}
}

// CameraGranted implements Permission.
func (p *OncePermission) CameraGranted(ctx context.Context) (bool, error) {
	p.once.Do(func() {
		p.granted, p.err = p.inner.CameraGranted(ctx)
	})
	return p.granted, p.err
}

// Source is the image source adapter of one capture session.
type Source struct {
	perm   Permission
	logger *zap.Logger
}

// NewSource builds a Source. A nil permission means camera access was never granted.
func NewSource(perm Permission, logger *zap.Logger) *Source {
	if perm == nil {
		perm = StaticPermission(false)
	}
	return &Source{perm: NewOncePermission(perm), logger: logger.Named("image_source")}
}

// CheckMode fails with capture.ErrPermissionDenied when mode needs a grant that is missing.
// Callers use it before any acquisition state is entered.
func (s *Source) CheckMode(ctx context.Context, mode capture.Mode) error {
	switch mode {
	case capture.ModeLibrary:
		return nil
	case capture.ModeCamera:
		granted, err := s.perm.CameraGranted(ctx)
		if err != nil {
			return fmt.Errorf("query camera permission: %w", capture.ErrPermissionDenied)
		}
		if !granted {
			return capture.ErrPermissionDenied
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", capture.ErrUnsupportedMode, mode)
	}
}

// Acquire obtains one image through picker. Cancellation surfaces as capture.ErrAborted.
func (s *Source) Acquire(ctx context.Context, mode capture.Mode, picker Picker) (*capture.CapturedImage, error) {
	if err := s.CheckMode(ctx, mode); err != nil {
		return nil, err
	}
	if picker == nil {
		return nil, capture.ErrAborted
	}
	img, err := picker.Pick(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("image acquired", zap.String("mode", string(mode)), zap.String("uri", img.LocalURI))
	return img, nil
}
