package vcpu

import "unsafe"

// hostByte returns a pointer to the byte at host, for breakpoint
// patching in the pager-backed chunk memory.
func hostByte(host uintptr) *byte {
	return (*byte)(unsafe.Pointer(host))
}
