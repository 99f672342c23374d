//go:build !linux && !darwin

package quota

import "errors"

func filesystemUsage(string) (uint64, uint64, error) {
	return 0, 0, errors.New("quota: filesystem statistics are not supported on this platform")
}
