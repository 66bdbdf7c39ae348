package main

import (
	"os"

	"github.com/radctl/radctl/cmd/radctl/cmds"
	"github.com/radctl/radctl/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RadctlVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
