package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
	"golang.org/x/sys/windows"
)

// windowSize returns the size of the console window.
func windowSize() (rows, cols int, ok bool) {
	hout, err := windows.GetStdHandle(windows.STD_OUTPUT_HANDLE)
	if err != nil {
		return 0, 0, false
	}
	var sbi windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(hout, &sbi); err != nil {
		return 0, 0, false
	}
	return int(sbi.Window.Bottom - sbi.Window.Top + 1), int(sbi.Window.Right - sbi.Window.Left + 1), true
}

// getColorableWriter returns a writer translating ANSI escapes into
// console calls.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
