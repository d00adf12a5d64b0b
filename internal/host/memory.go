package host

import (
	"errors"
	"fmt"
)

// ErrInsufficientMemory is returned when a buffer allocation would not fit in
// the memory that is currently free.
var ErrInsufficientMemory = errors.New("insufficient free memory")

// MemoryFunc returns the number of free bytes.  ok is false when the
// platform cannot tell, in which case callers assume there is room.
type MemoryFunc func() (free uint64, ok bool)

// SystemMemory asks the operating system.
func SystemMemory() (uint64, bool) {
	return freeMemory()
}

// FixedMemory returns a MemoryFunc that always reports free bytes.
func FixedMemory(free uint64) MemoryFunc {
	return func() (uint64, bool) { return free, true }
}

// Reserve checks that need bytes are available according to mem.
// A nil mem uses SystemMemory.
func Reserve(mem MemoryFunc, need uint64) error {
	if mem == nil {
		mem = SystemMemory
	}
	free, ok := mem()
	if !ok || free >= need {
		return nil
	}
	return fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientMemory, need, free)
}
