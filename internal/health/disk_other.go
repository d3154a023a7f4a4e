//go:build !linux && !darwin && !freebsd

package health

import "errors"

func freeDiskBytes(string) (uint64, error) {
	return 0, errors.New("disk space not supported on this platform")
}
