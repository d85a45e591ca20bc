//go:build unix

package farmer

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isPlatformBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
