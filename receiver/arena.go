// Package receiver implements the substrate shared by the live UDP
// receiver and the pcap/pcapng replay receiver: a hugepage-preferring
// packet arena, a fixed per-port subscription table, and owner-thread
// enforcement.
package receiver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	cacheLineSize = 64
	hugepageSize  = 2 * 1024 * 1024

	// PortTableSize is the fixed number of entries in a subscription table.
	PortTableSize = 65536
)

// Arena is a contiguous, cache-line-strided, hugepage-preferring
// anonymous mapping from which fixed-size packet slots are carved.
type Arena struct {
	base     []byte
	stride   int
	slotSize int
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) &^ (multiple - 1)
}

// NewArena allocates an arena sized for batchSize slots of bufferSize
// bytes each, aligned to a 64-byte stride and rounded up to a 2 MiB
// hugepage boundary. It attempts a hugepage-backed mapping first,
// falling back to an ordinary anonymous mapping if that fails.
func NewArena(batchSize, bufferSize int) (*Arena, error) {
	stride := roundUp(bufferSize, cacheLineSize)
	mappedSize := roundUp(batchSize*stride, hugepageSize)

	base, err := unix.Mmap(-1, 0, mappedSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_HUGETLB)
	if err != nil {
		base, err = unix.Mmap(-1, 0, mappedSize, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate packet arena via mmap: %w", err)
		}
	}

	return &Arena{base: base, stride: stride, slotSize: bufferSize}, nil
}

// Slot returns the byte region backing packet slot i, sized to the
// arena's configured buffer size. Its contents are only meaningful
// between a batch receive and the handler invocations it drives.
func (a *Arena) Slot(i int) []byte {
	off := i * a.stride
	return a.base[off : off+a.slotSize : off+a.slotSize]
}

// Close releases the underlying mapping.
func (a *Arena) Close() error {
	if a.base == nil {
		return nil
	}
	err := unix.Munmap(a.base)
	a.base = nil
	return err
}
