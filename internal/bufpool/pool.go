// Package bufpool recycles GPU storage buffers under a memory budget.
//
// Simulation buffers grow and shrink every few frames. Released buffers
// are kept idle, keyed by size class and usage, and handed out again
// before new memory is created. Idle buffers are evicted least recently
// released first when the budget is exceeded.
package bufpool

import (
	"container/list"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/particles/gpucore"
)

// Pool errors.
var (
	// ErrBudgetExceeded is returned when an allocation does not fit the
	// budget even after evicting every idle buffer.
	ErrBudgetExceeded = errors.New("bufpool: memory budget exceeded")

	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("bufpool: pool closed")

	// ErrBufferNotFound is returned for a buffer the pool did not hand out.
	ErrBufferNotFound = errors.New("bufpool: buffer not found in pool")
)

// Default memory limits.
const (
	// DefaultMaxMemoryMB is the default memory budget (256 MB).
	DefaultMaxMemoryMB = 256

	// DefaultEvictionThreshold is the idle-eviction start (80% of budget).
	DefaultEvictionThreshold = 0.8

	// MinMemoryMB is the minimum allowed budget (16 MB).
	MinMemoryMB = 16

	// MinClassSize is the smallest size class in bytes.
	MinClassSize = 256
)

// Stats contains pool usage statistics.
type Stats struct {
	// TotalBytes is the memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the memory held by live and idle buffers.
	UsedBytes uint64

	// IdleBytes is the part of UsedBytes held by idle buffers.
	IdleBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// LiveBuffers and IdleBuffers count the buffers in each state.
	LiveBuffers int
	IdleBuffers int

	// Reuses counts acquisitions served from idle buffers.
	Reuses uint64

	// Evictions counts idle buffers destroyed for budget.
	Evictions uint64

	// Utilization is the fraction of the budget used (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Buffers[%.1f%% used, %d/%d MB, %d live, %d idle, %d reuses, %d evictions]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.LiveBuffers,
		s.IdleBuffers,
		s.Reuses,
		s.Evictions)
}

// Allocation is a buffer handed out by Acquire.
type Allocation struct {
	ID gpucore.BufferID

	// Size is the size of the buffer's class.
	Size uint64

	// State is the access state the buffer was released in.
	// Fresh buffers are gpucore.StateUndefined.
	State gpucore.ResourceState
}

type entry struct {
	id      gpucore.BufferID
	size    uint64
	usage   gpucore.BufferUsage
	state   gpucore.ResourceState
	element *list.Element // position in the idle list, nil while live
}

// Config holds configuration for creating a Pool.
type Config struct {
	// MaxMemoryMB is the memory budget in megabytes.
	// Defaults to DefaultMaxMemoryMB if below MinMemoryMB.
	MaxMemoryMB int

	// EvictionThreshold is the usage fraction above which idle buffers are
	// evicted on every acquisition.
	// Defaults to DefaultEvictionThreshold if <= 0.
	EvictionThreshold float64
}

// Pool hands out GPU buffers and recycles released ones.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	dev gpucore.Device

	budgetBytes uint64
	usedBytes   uint64
	idleBytes   uint64
	threshold   float64

	buffers map[gpucore.BufferID]*entry

	// idle holds released buffers (front = most recently released).
	idle *list.List

	reuses    uint64
	evictions uint64

	closed bool
}

// New creates a pool allocating from dev.
func New(dev gpucore.Device, cfg Config) *Pool {
	maxMB := cfg.MaxMemoryMB
	if maxMB < MinMemoryMB {
		maxMB = DefaultMaxMemoryMB
	}
	threshold := cfg.EvictionThreshold
	if threshold <= 0 || threshold > 1.0 {
		threshold = DefaultEvictionThreshold
	}

	//nolint:gosec // G115: maxMB is bounded by MinMemoryMB minimum
	return &Pool{
		dev:         dev,
		budgetBytes: uint64(maxMB) * 1024 * 1024,
		threshold:   threshold,
		buffers:     make(map[gpucore.BufferID]*entry),
		idle:        list.New(),
	}
}

// SizeClass returns the allocation size used for a request of size bytes:
// the next power of two, at least MinClassSize.
func SizeClass(size uint64) uint64 {
	if size <= MinClassSize {
		return MinClassSize
	}
	return 1 << bits.Len64(size-1)
}

// Acquire returns a buffer of at least size bytes with the given usage.
// Contents of a recycled buffer are undefined.
func (p *Pool) Acquire(label string, size uint64, usage gpucore.BufferUsage) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Allocation{}, ErrPoolClosed
	}
	class := SizeClass(size)
	if class > p.budgetBytes {
		return Allocation{}, fmt.Errorf("%w: buffer %q of %d MB exceeds total budget %d MB",
			ErrBudgetExceeded, label, class/(1024*1024), p.budgetBytes/(1024*1024))
	}

	for el := p.idle.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry) //nolint:forcetypeassert // list holds only entries
		if e.size != class || e.usage != usage {
			continue
		}
		p.idle.Remove(el)
		e.element = nil
		p.idleBytes -= e.size
		p.reuses++
		return Allocation{ID: e.id, Size: e.size, State: e.state}, nil
	}

	if err := p.evictIfNeeded(class); err != nil {
		return Allocation{}, err
	}
	id, err := p.dev.CreateBuffer(&gpucore.BufferDescriptor{Label: label, Size: class, Usage: usage})
	if err != nil {
		return Allocation{}, fmt.Errorf("bufpool: create %q: %w", label, err)
	}
	p.buffers[id] = &entry{id: id, size: class, usage: usage}
	p.usedBytes += class
	return Allocation{ID: id, Size: class}, nil
}

// Release returns a buffer to the pool in the given access state. It stays
// allocated until it is reused, evicted or trimmed. Buffers the pool does
// not know are destroyed.
func (p *Pool) Release(id gpucore.BufferID, state gpucore.ResourceState) error {
	if id == gpucore.InvalidID {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	e, ok := p.buffers[id]
	if !ok {
		p.dev.DestroyBuffer(id)
		return nil
	}
	if e.element != nil {
		return nil
	}
	e.state = state
	e.element = p.idle.PushFront(e)
	p.idleBytes += e.size
	return nil
}

// Size returns the allocated size of a pooled buffer.
func (p *Pool) Size(id gpucore.BufferID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.buffers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrBufferNotFound, id)
	}
	return e.size, nil
}

// Trim destroys every idle buffer.
func (p *Pool) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.idle.Len() > 0 {
		p.destroyLocked(p.idle.Back())
	}
}

// SetBudget updates the memory budget, evicting idle buffers when the
// new budget is exceeded.
func (p *Pool) SetBudget(megabytes int) error {
	if megabytes < MinMemoryMB {
		megabytes = MinMemoryMB
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	//nolint:gosec // G115: megabytes bounded by MinMemoryMB minimum
	p.budgetBytes = uint64(megabytes) * 1024 * 1024
	return p.evictIfNeeded(0)
}

// Stats returns current usage statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var utilization float64
	if p.budgetBytes > 0 {
		utilization = float64(p.usedBytes) / float64(p.budgetBytes)
	}
	var available uint64
	if p.usedBytes < p.budgetBytes {
		available = p.budgetBytes - p.usedBytes
	}
	return Stats{
		TotalBytes:     p.budgetBytes,
		UsedBytes:      p.usedBytes,
		IdleBytes:      p.idleBytes,
		AvailableBytes: available,
		LiveBuffers:    len(p.buffers) - p.idle.Len(),
		IdleBuffers:    p.idle.Len(),
		Reuses:         p.reuses,
		Evictions:      p.evictions,
		Utilization:    utilization,
	}
}

// Close destroys every buffer, live or idle. The pool must not be used
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	for id := range p.buffers {
		p.dev.DestroyBuffer(id)
	}
	p.buffers = nil
	p.idle = nil
	p.usedBytes, p.idleBytes = 0, 0
	p.closed = true
}

// evictIfNeeded destroys idle buffers until requested bytes fit and usage
// is under the threshold. Caller must hold mu.
func (p *Pool) evictIfNeeded(requested uint64) error {
	target := p.usedBytes + requested
	thresholdBytes := uint64(float64(p.budgetBytes) * p.threshold)

	if target <= p.budgetBytes && p.usedBytes < thresholdBytes {
		return nil
	}

	for target > thresholdBytes && p.idle.Len() > 0 {
		p.destroyLocked(p.idle.Back())
		p.evictions++
		target = p.usedBytes + requested
	}

	if target > p.budgetBytes {
		return fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrBudgetExceeded, requested, p.budgetBytes-min(p.usedBytes, p.budgetBytes))
	}
	return nil
}

// destroyLocked destroys the idle buffer at el. Caller must hold mu.
func (p *Pool) destroyLocked(el *list.Element) {
	e := p.idle.Remove(el).(*entry) //nolint:forcetypeassert // list holds only entries
	delete(p.buffers, e.id)
	p.usedBytes -= e.size
	p.idleBytes -= e.size
	p.dev.DestroyBuffer(e.id)
}
