//go:build linux

package physmem

import "golang.org/x/sys/unix"

// mapArena reserves an anonymous private mapping for the arena. Installed
// memory is usually much larger than what a boot touches so the mapping is
// created with MAP_NORESERVE and the host only commits pages on first write.
func mapArena(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, err
	}

	release := func() error {
		return unix.Munmap(data)
	}
	return data, release, nil
}
