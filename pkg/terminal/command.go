// Package terminal implements functions for responding to user
// input and dispatching it to the control goroutine.
package terminal

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/trapnet"
	"github.com/radctl/radctl/pkg/unwind"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the radctl console.
type Commands struct {
	cmds  []command
	names *trie.Trie
	frame int // Current frame as set by frame/up/down commands.
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"launch"}, group: runCmds, cmdFn: launchCmd, helpMsg: `Starts a program under the debugger.

	launch <path> [args...]

Arguments are split like a shell command line. The process stops once its
threads and modules are known.`},
		{aliases: []string{"attach"}, group: runCmds, cmdFn: attachCmd, helpMsg: `Attaches to a running process.

	attach <pid>`},
		{aliases: []string{"restart", "r"}, group: runCmds, cmdFn: restart, helpMsg: `Kills the processes and launches the last program again.

	restart`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until breakpoint or program termination.

	continue [-entry]

With -entry the run stops at the first entry point symbol reached, see "help entrypoints".`},
		{aliases: []string{"step", "s"}, group: runCmds, cmdFn: c.step, helpMsg: "Single step through program, entering calls."},
		{aliases: []string{"next", "n"}, group: runCmds, cmdFn: c.next, helpMsg: "Step over to next source line."},
		{aliases: []string{"stepout", "so"}, group: runCmds, cmdFn: c.stepout, helpMsg: "Step out of the current function."},
		{aliases: []string{"step-instruction", "si"}, group: runCmds, cmdFn: c.stepInstruction, helpMsg: "Single step a single cpu instruction."},
		{aliases: []string{"next-instruction", "ni"}, group: runCmds, cmdFn: c.nextInstruction, helpMsg: "Step over a single cpu instruction, running calls to completion."},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: `Kills the process of the current thread.

	kill [-a] [exit code]

With -a every process is killed.`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: "Detaches from the process of the current thread, leaving it running."},
		{aliases: []string{"entrypoints"}, group: runCmds, cmdFn: entryPoints, helpMsg: `Prints or replaces the entry point symbols.

	entrypoints [symbol...]

"continue -entry" stops at the first of these symbols that is reached.`},

		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <location>

Locations are file:line, symbol, symbol+offset or *address. Breakpoints are
resolved in every module each time the program is resumed.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearCmd, helpMsg: `Deletes breakpoint.

	clear <breakpoint id>`},
		{aliases: []string{"clearall"}, group: breakCmds, cmdFn: clearAll, helpMsg: "Deletes all breakpoints."},
		{aliases: []string{"toggle"}, group: breakCmds, cmdFn: toggle, helpMsg: `Toggles on or off a breakpoint.

	toggle <breakpoint id>`},

		{aliases: []string{"regs"}, group: dataCmds, cmdFn: c.regs, helpMsg: `Print contents of CPU registers of the current frame.

	regs`},
		{aliases: []string{"set-reg"}, group: dataCmds, cmdFn: c.setReg, helpMsg: `Changes a register of the current thread.

	set-reg <register> <value>`},
		{aliases: []string{"examine", "x"}, group: dataCmds, cmdFn: c.examine, helpMsg: `Examine raw memory at the given address.

	examine [-len n] <address>

The address may be a register name of the current frame. Length defaults to 64 bytes.`},
		{aliases: []string{"write"}, group: dataCmds, cmdFn: writeMem, helpMsg: `Writes bytes into the memory of the current process.

	write <address> <hex bytes>`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: c.disassemble, helpMsg: `Disassembler.

	disassemble [address] [count]

Disassembles count instructions (default 10) from the address, or from the
PC of the current frame.`},

		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: c.thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"freeze"}, group: threadCmds, cmdFn: freeze, helpMsg: `Keeps a thread suspended while the program runs.

	freeze [id]`},
		{aliases: []string{"thaw"}, group: threadCmds, cmdFn: thaw, helpMsg: `Lets a frozen thread run again.

	thaw [id]`},
		{aliases: []string{"processes", "ps"}, group: threadCmds, cmdFn: processes, helpMsg: "Print out info for every traced process."},
		{aliases: []string{"modules"}, group: threadCmds, cmdFn: modules, helpMsg: "Print out the modules loaded in the current process."},
		{aliases: []string{"debugpath"}, group: threadCmds, cmdFn: debugPath, helpMsg: `Sets where the debug info of a module is read from.

	debugpath <module> <path>

The module is matched by the end of its path.`},

		{aliases: []string{"stack", "bt"}, group: stackCmds, cmdFn: c.stack, helpMsg: `Print stack trace.

	stack [depth]`},
		{aliases: []string{"frame"}, group: stackCmds, cmdFn: c.frameCommand, helpMsg: `Set the current frame.

	frame <m>

Frame numbers count inlined calls, as printed by "stack".`},
		{aliases: []string{"up"}, group: stackCmds, cmdFn: c.up, helpMsg: "Move the current frame up."},
		{aliases: []string{"down"}, group: stackCmds, cmdFn: c.down, helpMsg: "Move the current frame down."},

		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of radctl commands.

	source <path>`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of radctl's command is appended to the specified output file. If -t
is specified and the output file exists it is truncated. If -x is specified
output to stdout is suppressed.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config <parameter> <value>

Changes the value of a console configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

Processes that were launched are killed. For attached processes you are
asked whether to kill them or detach.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// index rebuilds the completion trie from the command aliases.
func (c *Commands) index() {
	c.names = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.names.Add(alias, i)
		}
	}
}

// Complete returns the command names completing line.
func (c *Commands) Complete(line string) []string {
	lower := strings.ToLower(line)
	prefix := ""
	if strings.HasPrefix(lower, "help ") {
		prefix, lower = "help ", strings.TrimSpace(lower[len("help "):])
	} else if strings.Contains(lower, " ") {
		return nil
	}
	names := c.names.PrefixSearch(lower)
	sort.Strings(names)
	for i := range names {
		names[i] = prefix + names[i]
	}
	return names
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.index()
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	t.stdout.Page()
	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, group := range helpOrder {
		fmt.Fprintf(t.stdout, "\n%s:\n", group)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, without
// expansions.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	return v[0], nil
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return n, nil
}

func launchCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return errors.New("not enough arguments")
	}
	return t.Launch(v[0], v[1:], [3]string{})
}

func attachCmd(t *Term, args string) error {
	pid, err := parseUint(args)
	if err != nil {
		return err
	}
	return t.Attach(pid)
}

func restart(t *Term, args string) error {
	if t.lastLaunch == nil {
		return errors.New("no program was launched")
	}
	if len(t.processes()) > 0 {
		if _, err := t.exec(protocol.Message{Kind: protocol.MsgKillAll}); err != nil {
			return err
		}
	}
	msg := t.lastLaunch.Clone()
	return t.Launch(msg.Path, msg.CmdLine, msg.Stdio)
}

func cont(t *Term, args string) error {
	msg := protocol.Message{Kind: protocol.MsgRun}
	switch args {
	case "":
	case "-entry":
		msg.RunFlags |= protocol.RunFlagStopOnEntryPoint
	default:
		return fmt.Errorf("unknown argument %q", args)
	}
	_, err := t.resume(msg)
	return err
}

// stepWith resumes the current thread through the traps built by build.
func (c *Commands) stepWith(t *Term, build func(ctx context.Context, thread target.Handle) ([]trapnet.Trap, error)) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	if th.Frozen() {
		return fmt.Errorf("thread %d is frozen", th.OSID)
	}
	ctx, cancel := t.readContext()
	traps, err := build(ctx, th.Handle)
	cancel()
	if err != nil {
		return err
	}
	_, err = t.resume(protocol.Message{Kind: protocol.MsgRun, Target: th.Handle, Traps: traps})
	return err
}

func (c *Commands) step(t *Term, args string) error {
	return c.stepWith(t, t.c.TrapNetStepIntoLine)
}

func (c *Commands) next(t *Term, args string) error {
	return c.stepWith(t, t.c.TrapNetStepOverLine)
}

func (c *Commands) stepout(t *Term, args string) error {
	return c.stepWith(t, t.c.TrapNetStepOut)
}

func (c *Commands) nextInstruction(t *Term, args string) error {
	return c.stepWith(t, t.c.TrapNetStepOverInst)
}

func (c *Commands) stepInstruction(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	_, err = t.resume(protocol.Message{Kind: protocol.MsgSingleStep, Target: th.Handle})
	return err
}

func kill(t *Term, args string) error {
	all := false
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	var code uint64
	for _, a := range v {
		if a == "-a" {
			all = true
			continue
		}
		if code, err = parseUint(a); err != nil {
			return err
		}
	}
	if all {
		if len(t.processes()) == 0 {
			return errors.New("no process is being debugged")
		}
		_, err := t.exec(protocol.Message{Kind: protocol.MsgKillAll, ExitCode: uint32(code)})
		return err
	}
	p, err := currentProcess(t)
	if err != nil {
		return err
	}
	_, err = t.exec(protocol.Message{Kind: protocol.MsgKill, Target: p.Handle, ExitCode: uint32(code)})
	return err
}

func detach(t *Term, args string) error {
	p, err := currentProcess(t)
	if err != nil {
		return err
	}
	_, err = t.exec(protocol.Message{Kind: protocol.MsgDetach, Target: p.Handle})
	return err
}

func currentProcess(t *Term) (entity.Entity, error) {
	th, err := t.currentThread()
	if err != nil {
		if ps := t.processes(); len(ps) > 0 {
			return ps[0], nil
		}
		return entity.Entity{}, errors.New("no process is being debugged")
	}
	p, ok := t.processOf(th.Handle)
	if !ok {
		return entity.Entity{}, fmt.Errorf("no process for thread %d", th.OSID)
	}
	return p, nil
}

func entryPoints(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) == 0 {
		s := t.c.Entities()
		sc := s.OpenScope()
		eps := sc.ChildrenOfKind(s.Root(), entity.KindEntryPoint)
		sc.Close()
		if len(eps) == 0 {
			fmt.Fprintf(t.stdout, "%s (default)\n", strings.Join(t.conf.EntryPoints, " "))
			return nil
		}
		for _, ep := range eps {
			fmt.Fprintln(t.stdout, ep.Name)
		}
		return nil
	}
	// Setting entry points produces no events.
	return t.send(&protocol.Message{Kind: protocol.MsgSetEntryPoints, EntryPoints: v})
}

// userBreakpoint is a breakpoint of the console, numbered for the user.
type userBreakpoint struct {
	id int
	protocol.Breakpoint
}

func (bp *userBreakpoint) location() string {
	switch bp.Kind {
	case protocol.BreakpointFileLine:
		return fmt.Sprintf("%s:%d", bp.File, bp.Line)
	case protocol.BreakpointSymbol:
		if bp.Offset != 0 {
			return fmt.Sprintf("%s+%#x", bp.Symbol, bp.Offset)
		}
		return bp.Symbol
	}
	return fmt.Sprintf("*%#x", bp.Address)
}

// parseLocation parses file:line, symbol, symbol+offset and *address.
func parseLocation(s string) (protocol.Breakpoint, error) {
	bp := protocol.Breakpoint{Flags: protocol.BreakpointEnabled}
	switch {
	case s == "":
		return bp, errors.New("not enough arguments")
	case s[0] == '*':
		addr, err := parseUint(s[1:])
		if err != nil {
			return bp, err
		}
		bp.Kind, bp.Address = protocol.BreakpointAddress, addr
		return bp, nil
	}
	if i := strings.LastIndex(s, ":"); i > 0 {
		line, err := strconv.ParseUint(s[i+1:], 10, 32)
		if err != nil {
			return bp, fmt.Errorf("invalid line number in %q", s)
		}
		bp.Kind, bp.File, bp.Line = protocol.BreakpointFileLine, s[:i], uint32(line)
		return bp, nil
	}
	bp.Kind, bp.Symbol = protocol.BreakpointSymbol, s
	if i := strings.LastIndex(s, "+"); i > 0 {
		off, err := parseUint(s[i+1:])
		if err != nil {
			return bp, err
		}
		bp.Symbol, bp.Offset = s[:i], off
	}
	return bp, nil
}

func breakpoint(t *Term, args string) error {
	bp, err := parseLocation(strings.TrimSpace(args))
	if err != nil {
		return err
	}
	t.nextBp++
	ub := &userBreakpoint{id: t.nextBp, Breakpoint: bp}
	t.bps = append(t.bps, ub)
	fmt.Fprintf(t.stdout, "Breakpoint %d set at %s\n", ub.id, ub.location())
	return nil
}

func breakpoints(t *Term, args string) error {
	if len(t.bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	for _, bp := range t.bps {
		state := "enabled"
		if !bp.Enabled() {
			state = "disabled"
		}
		fmt.Fprintf(t.stdout, "Breakpoint %d at %s (%s, hits: %d)\n", bp.id, bp.location(), state, bp.HitCount)
	}
	return nil
}

func findBreakpoint(t *Term, arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return -1, fmt.Errorf("%q is not a breakpoint id", arg)
	}
	for i, bp := range t.bps {
		if bp.id == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no breakpoint %d", id)
}

func clearCmd(t *Term, args string) error {
	i, err := findBreakpoint(t, args)
	if err != nil {
		return err
	}
	bp := t.bps[i]
	t.bps = append(t.bps[:i], t.bps[i+1:]...)
	fmt.Fprintf(t.stdout, "Breakpoint %d cleared at %s\n", bp.id, bp.location())
	return nil
}

func clearAll(t *Term, args string) error {
	for _, bp := range t.bps {
		fmt.Fprintf(t.stdout, "Breakpoint %d cleared at %s\n", bp.id, bp.location())
	}
	t.bps = nil
	return nil
}

func toggle(t *Term, args string) error {
	i, err := findBreakpoint(t, args)
	if err != nil {
		return err
	}
	bp := t.bps[i]
	bp.Flags ^= protocol.BreakpointEnabled
	state := "enabled"
	if !bp.Enabled() {
		state = "disabled"
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d %s\n", bp.id, state)
	return nil
}

// frameRegisters returns a copy of the registers of the current frame.
func (c *Commands) frameRegisters(t *Term, thread target.Handle) (*regs.AMD64, error) {
	ctx, cancel := t.readContext()
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	if c.frame == 0 {
		r, info := t.c.ThreadRegisters(ctx, sc, thread)
		if !info.Found {
			return nil, cacheError(info, "registers")
		}
		return r.Clone(), nil
	}
	cs, info := t.c.CallStack(ctx, sc, thread)
	if !info.Found {
		return nil, cacheError(info, "call stack")
	}
	locs := cs.Locations()
	if c.frame >= len(locs) {
		return nil, fmt.Errorf("frame %d does not exist", c.frame)
	}
	return cs.Frames[locs[c.frame].Index].Regs.Clone(), nil
}

func cacheError(info cache.Info, what string) error {
	if info.Err != nil {
		return info.Err
	}
	return fmt.Errorf("%s not available", what)
}

func (c *Commands) regs(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	r, err := c.frameRegisters(t, th.Handle)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, reg := range r.Slice() {
		fmt.Fprintf(tw, "%s\t= %#016x\n", reg.Name, reg.Value)
	}
	return tw.Flush()
}

// registerValue returns the register called name in r.
func registerValue(r *regs.AMD64, name string) (uint64, bool) {
	for _, reg := range r.Slice() {
		if reg.Name == name {
			return reg.Value, true
		}
	}
	return 0, false
}

func setRegister(r *regs.AMD64, name string, v uint64) error {
	for i := 0; i < regs.NumGPR; i++ {
		if regs.GPRName(i) == name {
			r.SetGPR(i, v)
			return nil
		}
	}
	switch name {
	case "rip":
		r.SetPC(v)
	case "rflags":
		r.Rflags = v
	default:
		return fmt.Errorf("unknown register %q", name)
	}
	return nil
}

func (c *Commands) setReg(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments")
	}
	val, err := parseUint(v[1])
	if err != nil {
		return err
	}
	if c.frame != 0 {
		return errors.New("registers can only be changed in frame 0")
	}
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	r, err := c.frameRegisters(t, th.Handle)
	if err != nil {
		return err
	}
	if err := setRegister(r, strings.ToLower(v[0]), val); err != nil {
		return err
	}
	return t.c.WriteRegisters(th.Handle, r)
}

// address parses a number or, failing that, the name of a register of the
// current frame.
func (c *Commands) address(t *Term, thread target.Handle, s string) (uint64, error) {
	if n, err := parseUint(s); err == nil {
		return n, nil
	}
	r, err := c.frameRegisters(t, thread)
	if err != nil {
		return 0, err
	}
	if v, ok := registerValue(r, strings.ToLower(s)); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%q is neither a number nor a register", s)
}

func (c *Commands) examine(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	n := uint64(64)
	var addrStr string
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-len":
			i++
			if i >= len(v) {
				return errors.New("expected argument after -len")
			}
			if n, err = parseUint(v[i]); err != nil {
				return err
			}
		default:
			if addrStr != "" {
				return errors.New("too many arguments")
			}
			addrStr = v[i]
		}
	}
	if addrStr == "" {
		return errors.New("not enough arguments")
	}
	if n == 0 || n > uint64(t.conf.MaxExamineBytes) {
		return fmt.Errorf("length must be between 1 and %d", t.conf.MaxExamineBytes)
	}
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	addr, err := c.address(t, th.Handle, addrStr)
	if err != nil {
		return err
	}
	p, ok := t.processOf(th.Handle)
	if !ok {
		return errors.New("no process is being debugged")
	}

	ctx, cancel := t.readContext()
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	mem, info := t.c.ProcessMemory(ctx, sc, p.Handle, target.Range{Min: addr, Max: addr + n}, false)
	if !info.Found {
		return cacheError(info, "memory")
	}
	t.stdout.Page()
	hexdump(t.stdout, mem)
	return nil
}

func hexdump(w io.Writer, mem *cache.Memory) {
	const perLine = 16
	for off := uint64(0); off < uint64(len(mem.Data)); off += perLine {
		fmt.Fprintf(w, "%#016x:", mem.Range.Min+off)
		for i := off; i < off+perLine && i < uint64(len(mem.Data)); i++ {
			if mem.Bad.Get(i) {
				fmt.Fprint(w, " ??")
			} else {
				fmt.Fprintf(w, " %02x", mem.Data[i])
			}
		}
		fmt.Fprintln(w)
	}
}

func writeMem(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments")
	}
	addr, err := parseUint(v[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(v[1])
	if err != nil {
		return fmt.Errorf("invalid hex bytes %q", v[1])
	}
	p, err := currentProcess(t)
	if err != nil {
		return err
	}
	return t.c.WriteMemory(p.Handle, addr, data)
}

// memoryReader serves instruction decoding from a memory payload.
type memoryReader struct {
	mem *cache.Memory
}

func (r memoryReader) ReadMemory(addr uint64, buf []byte) (int, error) {
	if !r.mem.Range.Contains(addr) {
		return 0, target.InvalidAddressError{Address: addr}
	}
	off := addr - r.mem.Range.Min
	n := 0
	for n < len(buf) && off+uint64(n) < uint64(len(r.mem.Data)) && !r.mem.Bad.Get(off+uint64(n)) {
		buf[n] = r.mem.Data[off+uint64(n)]
		n++
	}
	if n == 0 {
		return 0, target.InvalidAddressError{Address: addr}
	}
	return n, nil
}

func (c *Commands) disassemble(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	var pc uint64
	count := 10
	if len(v) > 0 {
		if pc, err = c.address(t, th.Handle, v[0]); err != nil {
			return err
		}
	} else {
		r, err := c.frameRegisters(t, th.Handle)
		if err != nil {
			return err
		}
		pc = r.Rip
	}
	if len(v) > 1 {
		n, err := parseUint(v[1])
		if err != nil {
			return err
		}
		count = int(n)
	}
	p, ok := t.processOf(th.Handle)
	if !ok {
		return errors.New("no process is being debugged")
	}

	ctx, cancel := t.readContext()
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	mem, info := t.c.ProcessMemory(ctx, sc, p.Handle, target.Range{Min: pc, Max: pc + uint64(count)*15}, false)
	if !info.Found {
		return cacheError(info, "memory")
	}
	rd := memoryReader{mem}
	insts := make([]asmInstruction, 0, count)
	for addr := pc; len(insts) < count; {
		inst, err := trapnet.Decode(rd, addr)
		if err != nil {
			if len(insts) == 0 {
				return err
			}
			break
		}
		ai := asmInstruction{inst: inst, atPC: addr == pc}
		ai.bytes = append([]byte(nil), mem.Data[addr-mem.Range.Min:inst.Next()-mem.Range.Min]...)
		ai.file, ai.line = t.lineOf(p, addr)
		insts = append(insts, ai)
		addr = inst.Next()
	}
	t.stdout.Page()
	disasmPrint(insts, t.stdout)
	return nil
}

// lineOf returns the source line of addr in process p.
func (t *Term) lineOf(p entity.Entity, addr uint64) (string, uint32) {
	if t.dbg == nil {
		return "", 0
	}
	sc := t.c.Entities().OpenScope()
	m, ok := sc.ModuleFromVaddr(p.ID, addr)
	var dm debuginfo.Module
	if ok {
		dm = debuginfo.Module{Path: m.Name, DebugPath: sc.DebugInfoPath(m.ID)}
	}
	sc.Close()
	if !ok {
		return "", 0
	}
	line, ok := t.dbg.LineFromVoff(dm, addr-m.Range.Min)
	if !ok {
		return "", 0
	}
	return line.File, line.Line
}

func threads(t *Term, args string) error {
	ths := t.threads()
	if len(ths) == 0 {
		fmt.Fprintln(t.stdout, "No threads.")
		return nil
	}
	cur, _ := t.currentThread()
	t.stdout.Page()
	for _, th := range ths {
		prefix := "  "
		if th.ID == cur.ID {
			prefix = "* "
		}
		state := ""
		if th.Frozen() {
			state = " (frozen)"
		}
		name := ""
		if th.Name != "" {
			name = fmt.Sprintf(" %q", th.Name)
		}
		loc := "?"
		if l, ok := t.location(th.Handle, 0); ok {
			loc = fmt.Sprintf("%#x %s", l.PC, formatLocation(l))
		}
		fmt.Fprintf(t.stdout, "%sThread %d%s at %s%s\n", prefix, th.OSID, name, loc, state)
	}
	return nil
}

func (c *Commands) thread(t *Term, args string) error {
	tid, err := parseUint(args)
	if err != nil {
		return err
	}
	th, ok := t.threadByOSID(tid)
	if !ok {
		return fmt.Errorf("no thread %d", tid)
	}
	old := t.thread
	t.thread = th.Handle
	c.frame = 0
	fmt.Fprintf(t.stdout, "Switched from %s to %s\n", t.threadName(old), t.threadName(th.Handle))
	return nil
}

// argThread returns the thread named by a tid argument, or the current
// thread.
func argThread(t *Term, args string) (entity.Entity, error) {
	if args == "" {
		return t.currentThread()
	}
	tid, err := parseUint(args)
	if err != nil {
		return entity.Entity{}, err
	}
	th, ok := t.threadByOSID(tid)
	if !ok {
		return entity.Entity{}, fmt.Errorf("no thread %d", tid)
	}
	return th, nil
}

func freeze(t *Term, args string) error {
	th, err := argThread(t, args)
	if err != nil {
		return err
	}
	_, err = t.exec(protocol.Message{Kind: protocol.MsgFreezeThread, Target: th.Handle})
	return err
}

func thaw(t *Term, args string) error {
	th, err := argThread(t, args)
	if err != nil {
		return err
	}
	_, err = t.exec(protocol.Message{Kind: protocol.MsgThawThread, Target: th.Handle})
	return err
}

func processes(t *Term, args string) error {
	ps := t.processes()
	if len(ps) == 0 {
		fmt.Fprintln(t.stdout, "No processes.")
		return nil
	}
	sc := t.c.Entities().OpenScope()
	defer sc.Close()
	for _, p := range ps {
		n := len(sc.ChildrenOfKind(p.ID, entity.KindThread))
		fmt.Fprintf(t.stdout, "Process %d %s (%s, %d threads)\n", p.OSID, p.Name, p.Arch, n)
	}
	return nil
}

func modules(t *Term, args string) error {
	p, err := currentProcess(t)
	if err != nil {
		return err
	}
	sc := t.c.Entities().OpenScope()
	mods := sc.ChildrenOfKind(p.ID, entity.KindModule)
	paths := make([]string, len(mods))
	for i, m := range mods {
		paths[i] = sc.DebugInfoPath(m.ID)
	}
	sc.Close()

	tw := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for i, m := range mods {
		fmt.Fprintf(tw, "%#x\t%#x\t%s", m.Range.Min, m.Range.Max, m.Name)
		if paths[i] != "" {
			fmt.Fprintf(tw, "\t(debug info: %s)", paths[i])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func debugPath(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments")
	}
	p, err := currentProcess(t)
	if err != nil {
		return err
	}
	sc := t.c.Entities().OpenScope()
	var match []entity.Entity
	for _, m := range sc.ChildrenOfKind(p.ID, entity.KindModule) {
		if m.Name == v[0] || strings.HasSuffix(m.Name, "/"+v[0]) || strings.HasSuffix(m.Name, `\`+v[0]) {
			match = append(match, m)
		}
	}
	sc.Close()
	switch len(match) {
	case 0:
		return fmt.Errorf("no module matches %q", v[0])
	case 1:
	default:
		return fmt.Errorf("%q matches %d modules", v[0], len(match))
	}
	_, err = t.exec(protocol.Message{Kind: protocol.MsgSetModuleDebugPath, Target: match[0].Handle, Path: v[1]})
	return err
}

func (c *Commands) stack(t *Term, args string) error {
	depth := 50
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid depth %q", args)
		}
		depth = n
	}
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	ctx, cancel := t.readContext()
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	cs, info := t.c.CallStack(ctx, sc, th.Handle)
	if !info.Found {
		return cacheError(info, "call stack")
	}
	t.stdout.Page()
	for i, loc := range cs.Locations() {
		if i >= depth {
			break
		}
		mark := "  "
		if i == c.frame {
			mark = "=>"
		}
		fn := loc.Function
		if fn == "" {
			fn = "?"
		}
		inl := ""
		if loc.InlineDepth > 0 {
			inl = " (inlined)"
		}
		fmt.Fprintf(t.stdout, "%s%2d  %#016x in %s%s\n", mark, i, loc.PC, fn, inl)
		if loc.File != "" {
			fmt.Fprintf(t.stdout, "        at %s:%d\n", loc.File, loc.Line)
		}
	}
	if cs.Flags&unwind.FlagError != 0 {
		fmt.Fprintln(t.stdout, "(unwind stopped at a frame it could not decode)")
	}
	if cs.Flags&unwind.FlagStale != 0 || info.Stale {
		fmt.Fprintln(t.stdout, "(stack memory was not fully read)")
	}
	return nil
}

func (c *Commands) setFrame(t *Term, frame int) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	loc, ok := t.location(th.Handle, frame)
	if !ok {
		return fmt.Errorf("frame %d does not exist", frame)
	}
	c.frame = frame
	t.Println("> ", fmt.Sprintf("frame %d: %s (PC: %#x)", frame, formatLocation(loc), loc.PC))
	return nil
}

func (c *Commands) frameCommand(t *Term, args string) error {
	n, err := strconv.Atoi(args)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid frame %q", args)
	}
	return c.setFrame(t, n)
}

func (c *Commands) up(t *Term, args string) error {
	return c.setFrame(t, c.frame+1)
}

func (c *Commands) down(t *Term, args string) error {
	if c.frame == 0 {
		return errors.New("already in the innermost frame")
	}
	return c.setFrame(t, c.frame-1)
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func transcript(t *Term, args string) error {
	fields := strings.Fields(args)
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range fields {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.StopTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.StopTranscript(); err != nil {
		return err
	}

	t.stdout.StartTranscript(fh, fileOnly)
	return nil
}

// ExitRequestError is returned when the user
// exits radctl.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
