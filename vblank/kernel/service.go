package kernel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/valerio/go-vblank/vblank/display"
)

var (
	// ErrUnavailable is returned when no kernel-level vblank service exists for a display.
	ErrUnavailable = errors.New("kernel vblank service unavailable")
	// ErrNotMapped is returned when a connection exists but its memory could not be mapped.
	ErrNotMapped = errors.New("kernel vblank memory not mapped")
	// ErrBadRegion is returned when a mapped page does not look like a vblank page.
	ErrBadRegion = errors.New("invalid vblank shared memory region")
)

// Service is a kernel or driver component exposing per-display vblank pages.
type Service interface {
	// Connect opens a connection to the service instance driving id.
	Connect(id display.ID) (Conn, error)
}

// Conn is an open connection to a Service.
type Conn interface {
	// Map maps the connection's vblank page into the process.
	Map() (Region, error)
	// Unmap releases the mapping made by Map.
	Unmap() error
	// Close closes the connection.
	Close() error
}

// MemService is an in-process Service whose pages live in ordinary memory.
// Pages are created by Publisher; displays without a publisher are unavailable.
type MemService struct {
	mu    sync.Mutex
	pages map[display.ID]*wordRegion
}

// NewMemService returns an empty in-process service.
func NewMemService() *MemService {
	return &MemService{pages: make(map[display.ID]*wordRegion)}
}

// Publisher creates (or returns) the producer for id's page.
func (s *MemService) Publisher(id display.ID) *Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[id]
	if !ok {
		page, _ = newWordRegion(alignedPage())
		page.writeMagic()
		s.pages[id] = page
	}
	return &Publisher{display: id, page: page}
}

// Remove drops id's page so later connections fail.
func (s *MemService) Remove(id display.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, id)
}

func (s *MemService) Connect(id display.ID) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: no page for %s", ErrUnavailable, id)
	}
	return &memConn{page: page}, nil
}

type memConn struct {
	page   *wordRegion
	mapped bool
}

func (c *memConn) Map() (Region, error) {
	if err := c.page.checkMagic(); err != nil {
		return nil, err
	}
	c.mapped = true
	return c.page, nil
}

func (c *memConn) Unmap() error {
	c.mapped = false
	return nil
}

func (c *memConn) Close() error {
	return nil
}
