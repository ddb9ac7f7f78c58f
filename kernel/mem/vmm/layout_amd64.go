package vmm

// pageLevels is the depth of the x86-64 page-table hierarchy (L4..L1).
const pageLevels = 4

// recursiveEntry is the L4 slot the kernel mapper reserves for itself so
// that every table in the currently active hierarchy is reachable through
// ordinary pointer dereferences: a virtual address whose L4/L3/L2 indices
// all equal recursiveEntry re-interprets that many levels of indirection as
// "keep pointing at the L4 table itself", landing one level shallower than
// the address would otherwise reach.
const recursiveEntry = 511

var (
	pageLevelBits   = [pageLevels]uint8{9, 9, 9, 9}
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

var (
	// pdtVirtualAddr is the address of the L4 table when reached through the
	// recursive slot.
	pdtVirtualAddr = canonicalAddr(recursiveEntry, recursiveEntry, recursiveEntry, recursiveEntry)

	// tempMappingAddr is a single scratch page reachable through the
	// recursive slot; it doubles as the upper bound for EarlyReserveRegion.
	tempMappingAddr = canonicalAddr(recursiveEntry, recursiveEntry, recursiveEntry, recursiveEntry-1)
)

// ptePhysPageMask masks the 40 physical-frame-address bits out of a page
// table entry, excluding the low flag bits and the high NX bit.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// canonicalAddr assembles a sign-extended virtual address out of four 9-bit
// page-table indices.
func canonicalAddr(l4, l3, l2, l1 uintptr) uintptr {
	addr := (l4 << 39) | (l3 << 30) | (l2 << 21) | (l1 << 12)
	if addr&(1<<47) != 0 {
		addr |= 0xffff000000000000
	}
	return addr
}
