package device

import "fmt"

// Capability bits describing permitted uses and region for an allocation,
// passed to Allocator.Allocate. The device must not assume permissions beyond
// what the allocator actually returns.
const (
	CapExecutable uint32 = 1 << iota
	CapDMA
	CapByteAddressable
	CapExternalRAM // region hint: external cached RAM rather than on-chip SRAM
)

// AllocResult is what the external allocator collaborator returns for a
// successful request.
type AllocResult struct {
	Address uint32
	// WrongRegion is set when the allocator satisfied the request from a
	// region other than the one implied by caps (e.g. internal SRAM when
	// CapExternalRAM was requested). Per SPEC_FULL.md's Open Question
	// decision, this is surfaced for logging only; there is no soft fallback.
	WrongRegion bool
}

// Allocator is the external aligned_alloc/free collaborator (spec §1, §4.4):
// raw heap allocation on the target, parameterized by capability bits. The
// device allocation table wraps this; it never merges or splits records
// itself.
type Allocator interface {
	Allocate(size, alignment, caps uint32) (AllocResult, error)
	Free(address uint32) error
}

// SimAllocator is an in-process Allocator backed by a flat bump arena, used by
// the single-process device simulation and by tests. It hands out
// monotonically increasing addresses and never reclaims space on Free (the
// underlying allocator's reuse policy is out of scope for this model); this
// matches the spec's treatment of aligned_alloc/free as an opaque external
// collaborator.
type SimAllocator struct {
	base uint32
	next uint32
	end  uint32
}

// NewSimAllocator creates a bump allocator covering [base, base+size).
func NewSimAllocator(base, size uint32) *SimAllocator {
	return &SimAllocator{base: base, next: base, end: base + size}
}

func (a *SimAllocator) Allocate(size, alignment, caps uint32) (AllocResult, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return AllocResult{}, fmt.Errorf("device: alignment %d is not a nonzero power of two", alignment)
	}
	addr := a.next
	if rem := addr % alignment; rem != 0 {
		addr += alignment - rem
	}
	if uint64(addr)+uint64(size) > uint64(a.end) {
		return AllocResult{}, fmt.Errorf("device: simulated heap exhausted (requested %d bytes)", size)
	}
	a.next = addr + size
	return AllocResult{Address: addr}, nil
}

func (a *SimAllocator) Free(address uint32) error {
	// Bump allocator: no-op, matching the spec's "never merges or splits
	// records" framing — reclamation policy belongs to the real allocator.
	return nil
}
