package capture

import (
	"errors"
	"io/fs"
	"os"
	"sync"
)

// CapturedImage is a locally stored image owned by one workflow instance.
type CapturedImage struct {
	LocalURI string
	Width    int
	Height   int

	// spooled marks files the service wrote itself and must remove on release.
	spooled bool
	once    sync.Once
}

// NewSpooledImage wraps a file the service created and is responsible for deleting.
func NewSpooledImage(path string) *CapturedImage {
	return &CapturedImage{LocalURI: path, spooled: true}
}

// NewBorrowedImage wraps a caller-owned file that must survive release.
func NewBorrowedImage(path string) *CapturedImage {
	return &CapturedImage{LocalURI: path}
}

// Release discards the image. It is safe to call more than once.
func (c *CapturedImage) Release() error {
	if c == nil {
		return nil
	}
	var err error
	c.once.Do(func() {
		if !c.spooled || c.LocalURI == "" {
			return
		}
		if rmErr := os.Remove(c.LocalURI); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}
