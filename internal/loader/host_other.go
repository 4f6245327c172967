//go:build !(linux || darwin)

package loader

func DefaultHostLibraries() []string {
	return nil
}

// HostResolver is unavailable on this platform.
type HostResolver struct{}

func NewHostResolver(libs ...string) (*HostResolver, error) {
	return nil, ErrUnsupportedPlatform
}

func (h *HostResolver) Libraries() []string {
	return nil
}

func (h *HostResolver) Resolve(name string) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}

func (h *HostResolver) Close() error {
	return nil
}
