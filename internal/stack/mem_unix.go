//go:build unix

package stack

import "golang.org/x/sys/unix"

func allocMem(size int) ([]byte, bool, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func freeMem(mem []byte) error {
	return unix.Munmap(mem)
}

func lockMem(mem []byte) error {
	return unix.Mlock(mem)
}

func unlockMem(mem []byte) error {
	return unix.Munlock(mem)
}
