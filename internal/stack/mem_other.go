//go:build !unix

package stack

func allocMem(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func freeMem(mem []byte) error { return nil }

func lockMem(mem []byte) error { return nil }

func unlockMem(mem []byte) error { return nil }
