package kernel

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Shared memory page layout. Every field is a naturally aligned 64-bit word
// in host byte order.
const (
	// RegionSize is the size of the vblank shared memory page in bytes
	RegionSize = 64

	offMagic     = 0
	offCount     = 8
	offTimestamp = 16
)

var regionMagic = [8]byte{'V', 'B', 'L', 'S', 'H', 'M', '0', '1'}

// Region is a read view of a producer-owned vblank page. Each load is an
// atomic, sequentially consistent read, so consecutive loads are never
// reordered relative to each other.
type Region interface {
	// LoadCount returns the vblank counter.
	LoadCount() uint64
	// LoadTimestamp returns the host time of the last vblank in nanoseconds.
	LoadTimestamp() uint64
}

// wordRegion is a Region over mapped bytes.
type wordRegion struct {
	mem []byte
}

func newWordRegion(mem []byte) (*wordRegion, error) {
	if len(mem) < RegionSize {
		return nil, fmt.Errorf("%w: %d bytes mapped, need %d", ErrBadRegion, len(mem), RegionSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, fmt.Errorf("%w: mapping not 8-byte aligned", ErrBadRegion)
	}
	return &wordRegion{mem: mem[:RegionSize]}, nil
}

func (r *wordRegion) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *wordRegion) LoadCount() uint64 {
	return atomic.LoadUint64(r.word(offCount))
}

func (r *wordRegion) LoadTimestamp() uint64 {
	return atomic.LoadUint64(r.word(offTimestamp))
}

func (r *wordRegion) checkMagic() error {
	var got [8]byte
	copy(got[:], r.mem[offMagic:offMagic+8])
	if got != regionMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadRegion, got[:])
	}
	return nil
}

func (r *wordRegion) writeMagic() {
	copy(r.mem[offMagic:offMagic+8], regionMagic[:])
}

func (r *wordRegion) storeCount(v uint64) {
	atomic.StoreUint64(r.word(offCount), v)
}

func (r *wordRegion) storeTimestamp(v uint64) {
	atomic.StoreUint64(r.word(offTimestamp), v)
}

// alignedPage allocates a RegionSize byte slice backed by 64-bit words.
func alignedPage() []byte {
	words := make([]uint64, RegionSize/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), RegionSize)
}
