package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/creack/pty"
	"github.com/spf13/cobra"

	"github.com/radctl/radctl/cmd/radctl/cmds/helphelpers"
	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/ctrl"
	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/target/native"
	"github.com/radctl/radctl/pkg/target/sim"
	"github.com/radctl/radctl/pkg/terminal"
	"github.com/radctl/radctl/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// configPath overrides the default configuration file.
	configPath string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// allocPty allocates a pseudo terminal for the target and copies its
	// output to our standard output.
	allocPty bool
	// redirects specifies redirect rules for stdin, stdout and stderr
	redirects []string

	// backend selection
	backend string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const radctlCommandLongDesc = `radctl is a native debugger for x64 programs.

radctl drives one or more processes through an asynchronous control core:
commands are queued to a control goroutine which runs the target and reports
what happened as a stream of events, while registers, memory and call stacks
are read through generation-checked caches.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`radctl launch ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main radctl root command.
	rootCommand = &cobra.Command{
		Use:   "radctl",
		Short: "radctl is a native debugger for x64 programs.",
		Long:  radctlCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'radctl help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'radctl help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file to use instead of the default one.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "default", `Backend selection (see 'radctl help backend').`)
	rootCommand.PersistentFlags().StringVar(&tty, "tty", "", "TTY to use for the target program")
	rootCommand.PersistentFlags().BoolVar(&allocPty, "pty", false, "Allocate a pseudo terminal for the target program.")
	rootCommand.PersistentFlags().StringArrayVarP(&redirects, "redirect", "r", []string{}, "Specifies redirect rules for target process (see 'radctl help redirect')")

	// 'launch' subcommand.
	launchCommand := &cobra.Command{
		Use:   "launch <path/to/binary> [-- args]",
		Short: "Launch a program and begin a debug session.",
		Long: `Launch a program and begin a debug session.

The program is started under the debugger and stopped before it runs any of
its own code. With --backend=sim the path defaults to the built in demo
program.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && backend != "sim" {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: launchCmd,
	}
	rootCommand.AddCommand(launchCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

This command will cause radctl to take control of an already running process, and
begin a new debug session.  When exiting the debug session you will have the
option to let the process continue or kill it.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "radctl\n%s\n", version.RadctlVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which backend should be used, possible values
are:

	default		Uses native on linux/amd64, sim everywhere else.
	native		ptrace based backend, linux/amd64 only.
	sim		Simulated machine running the built in demo program.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	ctrl		Log the control goroutine (runs, stops, traps)
	protocol	Log every message and event crossing the ring buffers
	trapnet		Log trap net construction
	cache		Log cache misses and evictions
	unwind		Log call stack unwinding
	entities	Log entity creation and removal
	target		Log the OS control layer

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "redirect",
		Short: "Help about file redirection.",
		Long: `The standard file descriptors of the target process can be controlled using the '-r' and '--tty' arguments.

The --tty argument allows redirecting all standard descriptors to a terminal,
specified as an argument to --tty. The --pty argument allocates a new pseudo
terminal instead and copies what the target writes to it to radctl's
standard output.

The syntax for '-r' argument is:

		-r [source:]destination

Where source is one of 'stdin', 'stdout' or 'stderr' and destination is the path to a file. If the source is omitted stdin is used implicitly.

File redirects can also be changed using the 'restart' command.
`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if !docCall {
			helphelpers.Prepare(cmd)
		}
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func launchCmd(cmd *cobra.Command, args []string) {
	path := sim.DemoPath
	var targetArgs []string
	if len(args) > 0 {
		var pathArgs []string
		pathArgs, targetArgs = splitArgs(cmd, args)
		if len(pathArgs) > 0 {
			path = pathArgs[0]
		}
	}
	os.Exit(execute(0, path, targetArgs, config.LoadConfig(configPath)))
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, "", nil, config.LoadConfig(configPath)))
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args[:1], args[1:]
}

// parseRedirects parses the -r rules into stdin, stdout and stderr paths.
func parseRedirects(redirects []string) ([3]string, error) {
	r := [3]string{}
	names := [3]string{"stdin", "stdout", "stderr"}
	for _, redirect := range redirects {
		idx := 0
		for i, name := range names {
			pfx := name + ":"
			if strings.HasPrefix(redirect, pfx) {
				idx = i
				redirect = redirect[len(pfx):]
				break
			}
		}
		if r[idx] != "" {
			return r, fmt.Errorf("redirect error: %s redirected twice", names[idx])
		}
		r[idx] = redirect
	}
	return r, nil
}

// targetStdio computes the standard descriptors of the target from the
// --tty, --pty and -r flags. The returned function releases the pseudo
// terminal, if one was allocated.
func targetStdio() ([3]string, func(), error) {
	nop := func() {}
	stdio, err := parseRedirects(redirects)
	if err != nil {
		return stdio, nop, err
	}
	if tty != "" && allocPty {
		return stdio, nop, errors.New("--tty and --pty can not be used together")
	}
	name := tty
	cleanup := nop
	if allocPty {
		ptmx, pts, err := pty.Open()
		if err != nil {
			return stdio, nop, fmt.Errorf("could not allocate pseudo terminal: %v", err)
		}
		name = pts.Name()
		go io.Copy(os.Stdout, ptmx)
		cleanup = func() {
			pts.Close()
			ptmx.Close()
		}
	}
	if name != "" {
		for i := range stdio {
			if stdio[i] == "" {
				stdio[i] = name
			}
		}
	}
	return stdio, cleanup, nil
}

// newLayer builds the OS control layer selected by --backend together with
// the debug info resolver that goes with it.
func newLayer(conf *config.Config) (target.Layer, debuginfo.Resolver, error) {
	switch backend {
	case "default":
		l, err := native.New()
		if err == nil {
			return l, debuginfo.NewDWARF(conf.DebugInfoDirectories), nil
		}
		logflags.TargetLogger().Warnf("native backend unavailable (%v), using sim", err)
		fallthrough
	case "sim":
		m, err := sim.NewDemo(sim.Config{}, image.FormatELF)
		if err != nil {
			return nil, nil, err
		}
		return m, m.DebugInfo(), nil
	case "native":
		l, err := native.New()
		if err != nil {
			return nil, nil, err
		}
		return l, debuginfo.NewDWARF(conf.DebugInfoDirectories), nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func execute(attachPid uint64, path string, args []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	layer, dbg, err := newLayer(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer layer.Close()

	c := ctrl.New(conf, layer, dbg)
	c.Start()
	defer c.Stop()

	term, err := terminal.New(c, dbg, conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	term.InitFile = initFile

	if attachPid != 0 {
		err = term.Attach(attachPid)
	} else {
		stdio, cleanup, serr := targetStdio()
		if serr != nil {
			fmt.Fprintln(os.Stderr, serr)
			return 1
		}
		defer cleanup()
		err = term.Launch(path, args, stdio)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
