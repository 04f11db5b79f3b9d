package trampoline

import "unsafe"

func hostBytes(host uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(host)), size)
}
