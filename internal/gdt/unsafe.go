package gdt

import "unsafe"

func ptrOf(pcb *PCB) uintptr {
	return uintptr(unsafe.Pointer(pcb))
}

// endOf returns the one-past-the-end address of a fixed-size stack array,
// i.e. its initial top-of-stack value (x86-64 stacks grow down).
func endOf[T any](arr *T) uintptr {
	return uintptr(unsafe.Pointer(arr)) + unsafe.Sizeof(*arr)
}
