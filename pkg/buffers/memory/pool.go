package memory

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultBlockSize is the block size of the default slab pool.
const DefaultBlockSize = 4096

const (
	minArrayClassShift = 4  // 16 bytes
	maxArrayClassShift = 24 // 16MB
)

// Pool is a source of byte blocks.
type Pool interface {
	// Rent returns a block of at least minSize bytes.
	Rent(minSize int) *Block

	// MaxBufferSize is the largest minSize Rent accepts.
	MaxBufferSize() int
}

// Block is a rented byte region. Release hands it back to its origin;
// only the first call has an effect.
type Block struct {
	buf      []byte
	release  func([]byte)
	released bool
}

// Bytes returns the whole block. The slice is invalid after Release.
func (b *Block) Bytes() []byte {
	return b.buf
}

// Len returns the block length.
func (b *Block) Len() int {
	return len(b.buf)
}

// Release returns the block to the pool it came from.
func (b *Block) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	buf := b.buf
	b.buf = nil
	if b.release != nil {
		b.release(buf)
	}
}

// SlabPool hands out fixed-size blocks.
type SlabPool struct {
	blockSize   int
	blocks      sync.Pool
	outstanding atomic.Int64
}

var defaultSlabPool = NewSlabPool(DefaultBlockSize)

// Default returns the process-wide slab pool.
func Default() *SlabPool {
	return defaultSlabPool
}

// NewSlabPool creates a pool of blockSize-byte blocks.
func NewSlabPool(blockSize int) *SlabPool {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	p := &SlabPool{blockSize: blockSize}
	p.blocks.New = func() interface{} {
		buf := make([]byte, p.blockSize)
		return &buf
	}
	return p
}

// Rent returns a block of exactly MaxBufferSize bytes. It panics if minSize
// exceeds the block size; callers route oversized requests elsewhere.
func (p *SlabPool) Rent(minSize int) *Block {
	if minSize > p.blockSize {
		panic(fmt.Sprintf("memory: requested %d bytes from a %d-byte slab pool", minSize, p.blockSize))
	}
	buf := *(p.blocks.Get().(*[]byte))
	p.outstanding.Add(1)
	return &Block{buf: buf, release: p.put}
}

// MaxBufferSize returns the block size.
func (p *SlabPool) MaxBufferSize() int {
	return p.blockSize
}

// Outstanding returns the number of rented blocks not yet released.
func (p *SlabPool) Outstanding() int64 {
	return p.outstanding.Load()
}

func (p *SlabPool) put(buf []byte) {
	p.outstanding.Add(-1)
	if cap(buf) != p.blockSize {
		return
	}
	buf = buf[:p.blockSize]
	p.blocks.Put(&buf)
}

// ArrayPool rents power-of-two sized arrays. Requests above the largest
// size class are allocated directly and dropped on release.
type ArrayPool struct {
	classes     [maxArrayClassShift - minArrayClassShift + 1]sync.Pool
	outstanding atomic.Int64
}

// Shared is the process-wide fallback allocator for oversized writes.
var Shared = NewArrayPool()

// NewArrayPool creates an empty ArrayPool.
func NewArrayPool() *ArrayPool {
	return &ArrayPool{}
}

// Rent returns a block of at least minSize bytes.
func (p *ArrayPool) Rent(minSize int) *Block {
	if minSize < 1 {
		minSize = 1
	}
	p.outstanding.Add(1)
	idx, size := classFor(minSize)
	if idx < 0 {
		return &Block{buf: make([]byte, minSize), release: p.drop}
	}
	if v := p.classes[idx].Get(); v != nil {
		return &Block{buf: *(v.(*[]byte)), release: p.put}
	}
	return &Block{buf: make([]byte, size), release: p.put}
}

// MaxBufferSize returns the largest pooled size class.
func (p *ArrayPool) MaxBufferSize() int {
	return 1 << maxArrayClassShift
}

// Outstanding returns the number of rented blocks not yet released.
func (p *ArrayPool) Outstanding() int64 {
	return p.outstanding.Load()
}

func (p *ArrayPool) put(buf []byte) {
	p.outstanding.Add(-1)
	idx, size := classFor(cap(buf))
	if idx < 0 || size != cap(buf) {
		return
	}
	buf = buf[:size]
	p.classes[idx].Put(&buf)
}

func (p *ArrayPool) drop([]byte) {
	p.outstanding.Add(-1)
}

// classFor maps a size to its class index and class size, or -1 when the
// size is above the largest class.
func classFor(size int) (int, int) {
	shift := bits.Len(uint(size - 1))
	if shift < minArrayClassShift {
		shift = minArrayClassShift
	}
	if shift > maxArrayClassShift {
		return -1, size
	}
	return shift - minArrayClassShift, 1 << shift
}
