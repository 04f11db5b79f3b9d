package guest

import "unsafe"

func hostBytes(host uintptr, size int) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(host)), size)
}
