package terminal

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/radctl/radctl/pkg/protocol"
)

func TestHighlight(t *testing.T) {
	term := &Term{stdout: newConsole(&bytes.Buffer{}, false)}
	if got := term.highlight(ansiRed, "> exception"); got != "> exception" {
		t.Errorf("highlight without colors: %q", got)
	}
	term.stdout.colors = true
	if got := term.highlight(ansiRed, "x"); got != "\033[31mx\033[0m" {
		t.Errorf("highlight: %q", got)
	}
	if got := term.highlight(ansiRed, ""); got != "" {
		t.Errorf("highlight of the empty string: %q", got)
	}
}

func TestHandleEventsReturnsFirstError(t *testing.T) {
	var buf bytes.Buffer
	term := &Term{stdout: newConsole(&buf, false)}
	err := term.handleEvents([]protocol.Event{
		{Kind: protocol.EventError, String: "first"},
		{Kind: protocol.EventError, String: "second"},
	})
	if err == nil || err.Error() != "first" {
		t.Fatalf("got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("errors were printed: %q", buf.String())
	}
}

func TestConsoleTranscriptOnly(t *testing.T) {
	var screen, file bytes.Buffer
	w := newConsole(&screen, false)
	w.StartTranscript(nopCloser{&file}, true)
	w.Echo("(radctl) help\n")
	w.Write([]byte("output\n"))
	if err := w.StopTranscript(); err != nil {
		t.Fatal(err)
	}
	if screen.Len() != 0 {
		t.Errorf("screen output with -x: %q", screen.String())
	}
	if got := file.String(); got != "(radctl) help\noutput\n" {
		t.Errorf("transcript %q", got)
	}
	w.Write([]byte("after\n"))
	if !strings.Contains(screen.String(), "after") || strings.Contains(file.String(), "after") {
		t.Errorf("output after close went to the wrong place")
	}
}

func TestConsoleHoldsPagedOutput(t *testing.T) {
	var screen bytes.Buffer
	w := newConsole(&screen, false)
	w.state, w.rows, w.cols = pageHold, 10, 8
	fmt.Fprintln(w, "Thread 1 at 0x401000")
	fmt.Fprintln(w, "Thread 2 at 0x401010")
	if screen.Len() != 0 {
		t.Fatalf("held output shown early: %q", screen.String())
	}
	// Each line wraps to three rows.
	if w.overflows() {
		t.Fatal("six rows overflow a ten row window")
	}
	w.EndCommand()
	if got := screen.String(); got != "Thread 1 at 0x401000\nThread 2 at 0x401010\n" {
		t.Errorf("screen %q", got)
	}
	fmt.Fprintln(w, "after")
	if !strings.HasSuffix(screen.String(), "after\n") {
		t.Errorf("output after the command was held")
	}
}

func TestConsolePager(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell")
	}
	path := filepath.Join(t.TempDir(), "paged")
	t.Setenv("RADCTL_PAGER", "sh -c 'cat > "+path+"'")
	var screen bytes.Buffer
	w := newConsole(&screen, false)
	w.state, w.rows, w.cols = pageHold, 3, 80
	for i := 0; i < 5; i++ {
		fmt.Fprintf(w, "frame %d\n", i)
	}
	w.EndCommand()
	if got := screen.String(); got != "Sending output to pager...\n" {
		t.Errorf("screen %q", got)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf); got != "frame 0\nframe 1\nframe 2\nframe 3\nframe 4\n" {
		t.Errorf("pager got %q", got)
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }
