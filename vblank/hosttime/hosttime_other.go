//go:build !linux && !darwin

package hosttime

import "time"

var epoch = time.Now()

func nanotime() uint64 {
	return uint64(time.Since(epoch))
}
