package imagesource

import (
	"context"
	"fmt"
	"os"

	"github.com/example/ekko-capture/internal/capture"
)

// UploadPicker spools image bytes received from the client into a private file.
// An empty payload means the user dismissed the picker.
type UploadPicker struct {
	Data     []byte
	SpoolDir string
}

// Pick implements Picker.
func (p UploadPicker) Pick(ctx context.Context) (*capture.CapturedImage, error) {
	if len(p.Data) == 0 {
		return nil, capture.ErrAborted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := p.SpoolDir
	if dir == "" {
		dir = os.TempDir()
	}
	// Spool failures are local I/O, reported like an unreadable image.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &capture.PreprocessError{Path: dir, Err: fmt.Errorf("create spool dir: %w", err)}
	}
	f, err := os.CreateTemp(dir, "capture-*.img")
	if err != nil {
		return nil, &capture.PreprocessError{Path: dir, Err: fmt.Errorf("create spool file: %w", err)}
	}
	img := capture.NewSpooledImage(f.Name())
	if _, err := f.Write(p.Data); err != nil {
		_ = f.Close()
		_ = img.Release()
		return nil, &capture.PreprocessError{Path: f.Name(), Err: fmt.Errorf("write spool file: %w", err)}
	}
	if err := f.Close(); err != nil {
		_ = img.Release()
		return nil, &capture.PreprocessError{Path: f.Name(), Err: fmt.Errorf("close spool file: %w", err)}
	}
	return img, nil
}

// FilePicker selects an existing file, the way the photo library does. The file is
// borrowed: releasing the image leaves it on disk.
type FilePicker struct {
	Path string
}

// Pick implements Picker.
func (p FilePicker) Pick(context.Context) (*capture.CapturedImage, error) {
	if p.Path == "" {
		return nil, capture.ErrAborted
	}
	info, err := os.Stat(p.Path)
	if err != nil {
		return nil, &capture.PreprocessError{Path: p.Path, Err: err}
	}
	if info.IsDir() {
		return nil, &capture.PreprocessError{Path: p.Path, Err: fmt.Errorf("is a directory")}
	}
	return capture.NewBorrowedImage(p.Path), nil
}
