package loader

import "unsafe"

// region is an anonymous memory mapping. It starts out read+write;
// protectExec turns its first n bytes read+execute.
type region interface {
	bytes() []byte
	protectExec(n int) error
	release() error
}

func addressOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}
