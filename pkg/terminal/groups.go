package terminal

// commandGroup is the help section a command is listed under.
type commandGroup uint8

const (
	otherCmds commandGroup = iota
	breakCmds
	runCmds
	dataCmds
	threadCmds
	stackCmds
)

// helpOrder is the order of the sections printed by help.
var helpOrder = []commandGroup{runCmds, breakCmds, dataCmds, threadCmds, stackCmds, otherCmds}

func (g commandGroup) String() string {
	switch g {
	case runCmds:
		return "Running the program"
	case breakCmds:
		return "Manipulating breakpoints"
	case dataCmds:
		return "Viewing and changing registers and memory"
	case threadCmds:
		return "Processes, threads and modules"
	case stackCmds:
		return "Viewing the call stack and selecting frames"
	}
	return "Other commands"
}
