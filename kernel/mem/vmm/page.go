package vmm

import "nyx/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address for this page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page that contains the given virtual address.
func PageFromAddress(addr uintptr) Page {
	return Page(addr >> mem.PageShift)
}
