package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/ctrl"
	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/target"
)

const (
	historyFile                 string = ".radctl_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed     = 31
	ansiGreen   = 32
	ansiYellow  = 33
	ansiBlue    = 34
	ansiMagenta = 35
	ansiBrBlack = 90
)

// Term represents the terminal running radctl.
type Term struct {
	c        *ctrl.Ctrl
	dbg      debuginfo.Resolver
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	stdout   *console
	InitFile string

	msgID  uint64
	filter protocol.ExceptionFilter
	bps    []*userBreakpoint
	nextBp int
	// thread is the selected thread. It is zero until a thread is created
	// and reset when the thread exits.
	thread target.Handle
	// lastLaunch is replayed by restart.
	lastLaunch *protocol.Message
	attached   bool

	// ctx bounds waits for runs to stop; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a new Term driving c. dbg is used to annotate disassembly and
// may be nil.
func New(c *ctrl.Ctrl, dbg debuginfo.Resolver, conf *config.Config) (*Term, error) {
	if conf == nil {
		conf = config.Default()
	}
	filter, err := protocol.ParseExceptionFilter(conf.BreakOnExceptions)
	if err != nil {
		return nil, err
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	colors := !dumb && isatty.IsTerminal(os.Stdout.Fd())
	var w io.Writer
	if colors {
		w = getColorableWriter()
	} else {
		w = colorable.NewNonColorable(os.Stdout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Term{
		ctx:    ctx,
		cancel: cancel,
		c:      c,
		dbg:    dbg,
		conf:   conf,
		prompt: "(radctl) ",
		cmds:   cmds,
		stdout: newConsole(w, colors),
		filter: filter,
	}, nil
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.cancel()
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		if !t.c.Running() {
			fmt.Fprintln(os.Stderr, "target is not running")
			continue
		}
		fmt.Printf("received SIGINT, halting target (will not forward signal)\n")
		t.c.HaltAll()
	}
}

// Run begins running radctl in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	// Send the control goroutine a halt on SIGINT.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.cmds.Complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		t.stdout.Echo(t.prompt + cmdstr + "\n")
		err = t.cmds.Call(cmdstr, t)
		t.stdout.EndCommand()
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal, highlighting prefix.
func (t *Term) Println(prefix, str string) {
	fmt.Fprintf(t.stdout, "%s%s\n", t.highlight(ansiBlue, prefix), str)
}

func (t *Term) highlight(color int, s string) string {
	return t.stdout.highlight(color, s)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes", "":
			return true, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else if t.line != nil {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	procs := t.processes()
	if len(procs) == 0 {
		return 0, nil
	}
	kill := true
	if t.attached && t.line != nil {
		answer, err := yesno(t.line, "Would you like to kill the process? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		kill = answer
	}
	if kill {
		if _, err := t.exec(protocol.Message{Kind: protocol.MsgKillAll}); err != nil {
			return 1, err
		}
		return 0, nil
	}
	for _, p := range procs {
		if _, err := t.exec(protocol.Message{Kind: protocol.MsgDetach, Target: p.Handle}); err != nil {
			return 1, err
		}
	}
	return 0, nil
}

// Launch starts path under the debugger.
func (t *Term) Launch(path string, args []string, stdio [3]string) error {
	msg := protocol.Message{
		Kind:       protocol.MsgLaunch,
		Path:       path,
		CmdLine:    args,
		InheritEnv: true,
		Stdio:      stdio,
	}
	if wd, err := os.Getwd(); err == nil {
		msg.WorkingDir = wd
	}
	if _, err := t.exec(msg); err != nil {
		return err
	}
	t.lastLaunch = &msg
	t.attached = false
	return nil
}

// Attach binds the debugger to the running process pid.
func (t *Term) Attach(pid uint64) error {
	if _, err := t.exec(protocol.Message{Kind: protocol.MsgAttach, EntityID: pid}); err != nil {
		return err
	}
	t.attached = true
	return nil
}

// waitTimeout bounds how long a command waits for the events of a message
// that does not resume the target.
func (t *Term) waitTimeout() time.Duration {
	return 2*t.conf.KillTimeout + time.Second
}

// send assigns msg the next message id and queues it.
func (t *Term) send(msg *protocol.Message) error {
	t.msgID++
	msg.ID = t.msgID
	ctx, cancel := context.WithTimeout(t.ctx, t.waitTimeout())
	defer cancel()
	return t.c.PushMessages(ctx, []protocol.Message{*msg})
}

// exec sends msg and prints the event list its dispatch produced. An Error
// event is returned as an error.
func (t *Term) exec(msg protocol.Message) ([]protocol.Event, error) {
	if err := t.send(&msg); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.waitTimeout())
	defer cancel()
	evs, err := t.c.PopEvents(ctx)
	if err != nil {
		return nil, err
	}
	return evs, t.handleEvents(evs)
}

// resume sends a Run or SingleStep message carrying the user breakpoints
// and the exception filter, then prints events until the Stopped event
// answering it arrives. It returns early once the terminal is closed.
func (t *Term) resume(msg protocol.Message) (protocol.Event, error) {
	if len(t.processes()) == 0 {
		return protocol.Event{}, errors.New("no process is being debugged")
	}
	msg.ExceptionFilter = t.filter
	msg.Breakpoints = make([]protocol.Breakpoint, len(t.bps))
	for i, bp := range t.bps {
		msg.Breakpoints[i] = bp.Breakpoint
	}
	if err := t.send(&msg); err != nil {
		return protocol.Event{}, err
	}
	t.cmds.frame = 0
	for {
		evs, err := t.c.PopEvents(t.ctx)
		if err != nil {
			return protocol.Event{}, err
		}
		if err := t.handleEvents(evs); err != nil {
			fmt.Fprintf(t.stdout, "%s\n", t.highlight(ansiRed, err.Error()))
		}
		for _, ev := range evs {
			if ev.Kind == protocol.EventStopped && ev.MsgID == msg.ID {
				if ev.Cause == protocol.CauseError {
					return ev, fmt.Errorf("run failed: %s", ev.String)
				}
				return ev, nil
			}
		}
	}
}

// processes returns the tracked processes.
func (t *Term) processes() []entity.Entity {
	s := t.c.Entities()
	sc := s.OpenScope()
	defer sc.Close()
	return sc.ChildrenOfKind(s.LocalMachine(), entity.KindProcess)
}

// threads returns every tracked thread, grouped by process.
func (t *Term) threads() []entity.Entity {
	s := t.c.Entities()
	sc := s.OpenScope()
	defer sc.Close()
	var out []entity.Entity
	sc.Walk(s.LocalMachine(), func(e entity.Entity, _ int) bool {
		if e.Kind == entity.KindThread {
			out = append(out, e)
		}
		return true
	})
	return out
}

// currentThread returns the selected thread, selecting the first live
// thread if the selection went away.
func (t *Term) currentThread() (entity.Entity, error) {
	if !t.thread.IsZero() {
		if e, ok := t.entity(t.thread); ok {
			return e, nil
		}
	}
	ths := t.threads()
	if len(ths) == 0 {
		return entity.Entity{}, errors.New("no thread is being debugged")
	}
	t.thread = ths[0].Handle
	t.cmds.frame = 0
	return ths[0], nil
}

func (t *Term) entity(h target.Handle) (entity.Entity, bool) {
	sc := t.c.Entities().OpenScope()
	defer sc.Close()
	return sc.FromHandle(h)
}

// processOf returns the process owning the entity of h.
func (t *Term) processOf(h target.Handle) (entity.Entity, bool) {
	sc := t.c.Entities().OpenScope()
	defer sc.Close()
	e, ok := sc.FromHandle(h)
	if !ok {
		return entity.Entity{}, false
	}
	if e.Kind == entity.KindProcess {
		return e, true
	}
	return sc.AncestorOfKind(e.ID, entity.KindProcess)
}

// threadByOSID finds a thread by its tid.
func (t *Term) threadByOSID(tid uint64) (entity.Entity, bool) {
	for _, th := range t.threads() {
		if th.OSID == tid {
			return th, true
		}
	}
	return entity.Entity{}, false
}

// readContext returns the context used for cache reads issued by commands.
// Console reads wait for fresh data rather than accept stale payloads.
func (t *Term) readContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.ctx, t.waitTimeout())
}
