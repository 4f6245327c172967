//go:build linux || darwin

package loader

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type mmapRegion struct {
	mem []byte
}

func pageSize() int {
	return unix.Getpagesize()
}

func mapRegion(size int) (region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return &mmapRegion{mem: mem}, nil
}

func (r *mmapRegion) bytes() []byte {
	return r.mem
}

func (r *mmapRegion) protectExec(n int) error {
	if n == 0 {
		return nil
	}
	if err := unix.Mprotect(r.mem[:n], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect code region: %w", err)
	}
	return nil
}

func (r *mmapRegion) release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
