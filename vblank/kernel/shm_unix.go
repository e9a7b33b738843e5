//go:build linux || darwin

package kernel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/valerio/go-vblank/vblank/display"
)

// DefaultShmDir is where vblank pages are looked up by default.
const DefaultShmDir = "/dev/shm"

// RegionPath returns the file backing id's vblank page inside dir.
func RegionPath(dir string, id display.ID) string {
	return filepath.Join(dir, fmt.Sprintf("vblank-%d.shm", uint32(id)))
}

// ShmService finds vblank pages as files in a shared memory directory and
// maps them read-only.
type ShmService struct {
	Dir string
}

func (s ShmService) dir() string {
	if s.Dir == "" {
		return DefaultShmDir
	}
	return s.Dir
}

func (s ShmService) Connect(id display.ID) (Conn, error) {
	path := RegionPath(s.dir(), id)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrUnavailable, path)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, path, err)
	}
	return &shmConn{fd: fd, path: path}, nil
}

type shmConn struct {
	fd   int
	path string
	mem  []byte
}

func (c *shmConn) Map() (Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", c.path, err)
	}
	if st.Size < RegionSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, need %d", ErrBadRegion, c.path, st.Size, RegionSize)
	}

	mem, err := unix.Mmap(c.fd, 0, RegionSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", c.path, err)
	}

	region, err := newWordRegion(mem)
	if err == nil {
		err = region.checkMagic()
	}
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	c.mem = mem
	return region, nil
}

func (c *shmConn) Unmap() error {
	if c.mem == nil {
		return nil
	}
	mem := c.mem
	c.mem = nil
	return unix.Munmap(mem)
}

func (c *shmConn) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// CreatePublisher creates (or truncates) id's page file in dir and maps it
// read-write. Closing the publisher unmaps and removes the file.
func CreatePublisher(dir string, id display.ID) (*Publisher, error) {
	if dir == "" {
		dir = DefaultShmDir
	}
	path := RegionPath(dir, id)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, RegionSize); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	page, err := newWordRegion(mem)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		os.Remove(path)
		return nil, err
	}
	page.storeCount(0)
	page.storeTimestamp(0)
	page.writeMagic()

	return &Publisher{
		display: id,
		page:    page,
		closeFn: func() error {
			return errors.Join(unix.Munmap(mem), unix.Close(fd), os.Remove(path))
		},
	}, nil
}
