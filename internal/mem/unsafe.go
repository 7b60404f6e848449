package mem

import "unsafe"

// unsafeOffset converts a virtual address (already translated through the
// HHDM or a mapping established elsewhere) into a typed pointer. Isolated
// in its own file so every unsafe.Pointer cast in this package funnels
// through one place, matching biscuit's Pg2bytes/Bytepg2pg convention of
// keeping pointer reinterpretation at clearly marked call sites.
func unsafeOffset(va uintptr) unsafe.Pointer {
	return unsafe.Pointer(va) //nolint:govet
}

// Bytes returns a byte-addressed view of a page at the given direct-mapped
// virtual address.
func Bytes(va uintptr) *[PageSize]byte {
	return (*[PageSize]byte)(unsafeOffset(va))
}
