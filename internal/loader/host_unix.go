//go:build linux || darwin

package loader

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

// DefaultHostLibraries returns the C runtime libraries searched when no
// explicit list is given.
func DefaultHostLibraries() []string {
	if runtime.GOOS == "darwin" {
		return []string{"/usr/lib/libSystem.B.dylib"}
	}
	return []string{"libc.so.6", "libm.so.6"}
}

// HostResolver resolves symbols from shared libraries loaded into the
// current process.
type HostResolver struct {
	mu      sync.Mutex
	libs    []string
	handles []uintptr
	closed  bool
}

// NewHostResolver opens libs in order, or DefaultHostLibraries when libs is
// empty. Lookups search the libraries in the same order.
func NewHostResolver(libs ...string) (*HostResolver, error) {
	if len(libs) == 0 {
		libs = DefaultHostLibraries()
	}
	h := &HostResolver{libs: libs}
	for _, lib := range libs {
		handle, err := purego.Dlopen(lib, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			closeErr := h.Close()
			return nil, errors.Join(fmt.Errorf("dlopen %s: %w", lib, err), closeErr)
		}
		h.handles = append(h.handles, handle)
	}
	return h, nil
}

// Libraries returns the libraries the resolver searches.
func (h *HostResolver) Libraries() []string {
	return append([]string(nil), h.libs...)
}

// Resolve returns the address of the C symbol name.
func (h *HostResolver) Resolve(name string) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrReleased
	}
	for _, handle := range h.handles {
		addr, err := purego.Dlsym(handle, name)
		if err == nil && addr != 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s in host libraries", ErrSymbolNotFound, name)
}

// Close drops the library handles. Closing twice is a no-op.
func (h *HostResolver) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	var errs []error
	for idx := len(h.handles) - 1; idx >= 0; idx-- {
		if err := purego.Dlclose(h.handles[idx]); err != nil {
			errs = append(errs, fmt.Errorf("dlclose %s: %w", h.libs[idx], err))
		}
	}
	h.handles = nil
	return errors.Join(errs...)
}
