//go:build !linux && !darwin

package kernel

import (
	"fmt"
	"path/filepath"

	"github.com/valerio/go-vblank/vblank/display"
)

// DefaultShmDir is unused on this platform.
const DefaultShmDir = ""

// RegionPath returns the file backing id's vblank page inside dir.
func RegionPath(dir string, id display.ID) string {
	return filepath.Join(dir, fmt.Sprintf("vblank-%d.shm", uint32(id)))
}

// ShmService is unavailable on this platform.
type ShmService struct {
	Dir string
}

func (s ShmService) Connect(id display.ID) (Conn, error) {
	return nil, fmt.Errorf("%w: shared memory pages not supported on this platform", ErrUnavailable)
}

// CreatePublisher is unavailable on this platform.
func CreatePublisher(dir string, id display.ID) (*Publisher, error) {
	return nil, fmt.Errorf("%w: shared memory pages not supported on this platform", ErrUnavailable)
}
