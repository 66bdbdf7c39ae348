//go:build !windows

package terminal

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// windowSize returns the size of the terminal on standard output.
func windowSize() (rows, cols int, ok bool) {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Row == 0 {
		return 0, 0, false
	}
	return int(ws.Row), int(ws.Col), true
}

// getColorableWriter simply returns stdout on
// *nix machines.
func getColorableWriter() io.Writer {
	return os.Stdout
}
