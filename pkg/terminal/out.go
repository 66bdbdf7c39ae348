package terminal

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/cosiner/argv"
	"github.com/mattn/go-isatty"
)

type pageState uint8

const (
	pageOff pageState = iota
	// pageHold buffers the output of the current command until it either
	// overflows the window or the command ends.
	pageHold
	pagePiping
	// pageDiscard drops output after the pager quit early.
	pageDiscard
)

// console is the terminal output. Commands and events both print through
// it. It copies everything to the transcript file when one is open, and
// routes the output of long listings to a pager once they outgrow the
// window.
type console struct {
	screen io.Writer
	colors bool

	transcript     *bufio.Writer
	transcriptFile io.Closer
	transcriptOnly bool

	state      pageState
	held       bytes.Buffer
	rows, cols int
	pager      *exec.Cmd
	pagerIn    io.WriteCloser
}

func newConsole(screen io.Writer, colors bool) *console {
	return &console{screen: screen, colors: colors}
}

func (c *console) Write(p []byte) (int, error) {
	if c.transcript != nil {
		if _, err := c.transcript.Write(p); err != nil {
			return 0, err
		}
	}
	if c.transcriptOnly {
		return len(p), nil
	}
	switch c.state {
	case pageHold:
		c.held.Write(p)
		if c.overflows() {
			c.startPager()
		}
		return len(p), nil
	case pagePiping:
		if _, err := c.pagerIn.Write(p); err != nil {
			c.stopPager()
			c.state = pageDiscard
		}
		return len(p), nil
	case pageDiscard:
		return len(p), nil
	}
	return c.screen.Write(p)
}

// highlight wraps s in the escape sequence for color.
func (c *console) highlight(color int, s string) string {
	if !c.colors || s == "" {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

// Echo writes str to the transcript only. The prompt and the command line
// go through here.
func (c *console) Echo(str string) {
	if c.transcript != nil {
		c.transcript.WriteString(str)
	}
}

// Page holds back the output of the current command so that it can be sent
// to a pager if it does not fit in the window. It does nothing when the
// screen is not a terminal, unless RADCTL_PAGER is set.
func (c *console) Page() {
	if c.state != pageOff {
		return
	}
	if os.Getenv("RADCTL_PAGER") == "" {
		f, ok := c.screen.(*os.File)
		if !ok || !isatty.IsTerminal(f.Fd()) || strings.ToLower(os.Getenv("TERM")) == "dumb" {
			return
		}
	}
	rows, cols, ok := windowSize()
	if !ok {
		return
	}
	c.rows, c.cols = rows, cols
	c.state = pageHold
}

// EndCommand shows whatever the last command left held back, waits for the
// pager to exit and flushes the transcript.
func (c *console) EndCommand() {
	switch c.state {
	case pageHold:
		c.screen.Write(c.held.Bytes())
	case pagePiping:
		c.stopPager()
	}
	c.held.Reset()
	c.state = pageOff
	if c.transcript != nil {
		c.transcript.Flush()
	}
}

// overflows reports whether the held output, wrapped at the window width,
// leaves no room for the prompt.
func (c *console) overflows() bool {
	rows := 0
	for _, line := range bytes.SplitAfter(c.held.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		rows++
		if c.cols > 0 && len(line) > c.cols {
			rows += (len(line) - 1) / c.cols
		}
	}
	return rows >= c.rows
}

func pagerCommand() string {
	if p := os.Getenv("RADCTL_PAGER"); p != "" {
		return p
	}
	if p := os.Getenv("PAGER"); p != "" {
		return p
	}
	return "more"
}

// startPager moves the held output to a pager. If the pager can not be
// started the output goes to the screen unpaged.
func (c *console) startPager() {
	fallback := func() {
		c.screen.Write(c.held.Bytes())
		c.held.Reset()
		c.state = pageOff
	}
	v, err := argv.Argv(pagerCommand(),
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil || len(v) != 1 || len(v[0]) == 0 {
		fallback()
		return
	}
	cmd := exec.Command(v[0][0], v[0][1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	in, err := cmd.StdinPipe()
	if err != nil {
		fallback()
		return
	}
	if err := cmd.Start(); err != nil {
		fallback()
		return
	}
	fmt.Fprintln(c.screen, "Sending output to pager...")
	c.pager, c.pagerIn = cmd, in
	c.state = pagePiping
	if _, err := in.Write(c.held.Bytes()); err != nil {
		c.stopPager()
		c.state = pageDiscard
	}
	c.held.Reset()
}

func (c *console) stopPager() {
	if c.pager == nil {
		return
	}
	c.pagerIn.Close()
	c.pager.Wait()
	c.pager, c.pagerIn = nil, nil
}

// StartTranscript copies the output to fh from now on. With only set the
// screen gets nothing.
func (c *console) StartTranscript(fh io.WriteCloser, only bool) {
	c.transcriptFile = fh
	c.transcript = bufio.NewWriter(fh)
	c.transcriptOnly = only
}

// StopTranscript flushes and closes the transcript file, if any.
func (c *console) StopTranscript() error {
	if c.transcript == nil {
		return nil
	}
	c.transcript.Flush()
	err := c.transcriptFile.Close()
	c.transcript, c.transcriptFile = nil, nil
	c.transcriptOnly = false
	return err
}
