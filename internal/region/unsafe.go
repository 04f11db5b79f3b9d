package region

import "unsafe"

// hostBytes views a host address range as a byte slice. The caller is
// responsible for the range being valid, page-backed memory owned by
// a chunk (true for every Region by construction).
func hostBytes(hostBase uintptr, size uint64) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(hostBase)), int(size))
}
