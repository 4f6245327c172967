//go:build !(linux || darwin)

package loader

func pageSize() int {
	return 4096
}

func mapRegion(size int) (region, error) {
	return nil, ErrUnsupportedPlatform
}
