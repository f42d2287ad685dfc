// Package connid mints the 64-bit identifiers that tie a tunnelled connection
// to its API object.
//
// Layout, most to least significant: 48 bits of Unix milliseconds, 8 bits of
// capability wire code, 8 bits of intra-millisecond counter. IDs from one
// Allocator are strictly increasing.
package connid

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tunnelnet/internal/capability"
)

const (
	timeBits  = 48
	timeMask  = 1<<timeBits - 1
	maxCount  = 0xFF
	codeShift = 8
	timeShift = 16
)

// ID is a packed connection identifier
type ID uint64

// Parts is the unpacked form of an ID
type Parts struct {
	Time    uint64 // Unix milliseconds, 48 bits
	Code    uint8  // capability wire code
	Counter uint8
}

// Pack builds an ID. Time is truncated to 48 bits.
func Pack(p Parts) ID {
	return ID((p.Time&timeMask)<<timeShift | uint64(p.Code)<<codeShift | uint64(p.Counter))
}

// Unpack splits an ID into its fields
func (id ID) Unpack() Parts {
	return Parts{
		Time:    uint64(id) >> timeShift,
		Code:    uint8(uint64(id) >> codeShift),
		Counter: uint8(id),
	}
}

// Capability decodes the capability embedded in the ID
func (id ID) Capability() (capability.Capability, error) {
	return capability.FromWireCode(id.Unpack().Code)
}

// Time returns the allocation time with millisecond precision
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id.Unpack().Time))
}

func (id ID) String() string {
	p := id.Unpack()
	return fmt.Sprintf("%d-%d-%d", p.Time, p.Code, p.Counter)
}

// Allocator hands out IDs. The zero value is not usable; call NewAllocator.
type Allocator struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	lastMs  uint64
	lastID  ID
	counter uint8
	used    bool
}

// NewAllocator creates an allocator reading the real wall clock
func NewAllocator() *Allocator {
	return NewAllocatorWithClock(clockwork.NewRealClock())
}

// NewAllocatorWithClock creates an allocator on the given clock
func NewAllocatorWithClock(clock clockwork.Clock) *Allocator {
	return &Allocator{clock: clock}
}

// Generate mints a new ID for capability c.
//
// Calls within the same millisecond bump the counter. When the counter is
// exhausted the caller sleeps until the next millisecond and the counter restarts
// at zero. The same wait applies when c has a lower wire code than the previous
// ID in the same millisecond, since the code sits above the counter.
// These waits are the only places the allocator blocks. A capability outside
// the declared set is rejected without consuming a counter value.
func (a *Allocator) Generate(c capability.Capability) (ID, error) {
	code, err := c.WireCode()
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ms := a.nowMs()
	if a.used && ms <= a.lastMs {
		// a clock stepping backwards is treated as the same millisecond
		ms = a.lastMs
		if a.counter == maxCount {
			ms = a.waitPast(a.lastMs)
			a.counter = 0
		} else {
			a.counter++
		}
	} else {
		a.counter = 0
	}

	id := Pack(Parts{Time: ms, Code: code, Counter: a.counter})
	if a.used && id <= a.lastID {
		ms = a.waitPast(ms)
		a.counter = 0
		id = Pack(Parts{Time: ms, Code: code, Counter: 0})
	}

	a.lastMs = ms
	a.lastID = id
	a.used = true
	return id, nil
}

func (a *Allocator) nowMs() uint64 {
	return uint64(a.clock.Now().UnixMilli()) & timeMask
}

// waitPast sleeps in 1ms steps until the clock reads later than ms
func (a *Allocator) waitPast(ms uint64) uint64 {
	for {
		a.clock.Sleep(time.Millisecond)
		if now := a.nowMs(); now > ms {
			return now
		}
	}
}
