//go:build !unix && !windows

package farmer

func isPlatformBrokenPipe(err error) bool {
	return false
}
