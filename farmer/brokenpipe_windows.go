//go:build windows

package farmer

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Windows reports a closed reader as ERROR_NO_DATA on anonymous pipes and
// ERROR_BROKEN_PIPE on named ones.
func isPlatformBrokenPipe(err error) bool {
	return errors.Is(err, windows.ERROR_BROKEN_PIPE) || errors.Is(err, windows.ERROR_NO_DATA)
}
