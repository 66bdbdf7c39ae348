package cmds

import (
	"bytes"
	"strings"
	"testing"

	"github.com/radctl/radctl/pkg/version"
)

func TestVersionCommand(t *testing.T) {
	root := New(false)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "radctl\n") || !strings.Contains(out, "Version: "+version.RadctlVersion.Major+".") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestBackendHelp(t *testing.T) {
	root := New(true)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"help", "backend"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"default", "native", "sim"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("backend help does not mention %q:\n%s", name, buf.String())
		}
	}
}

func TestSplitArgs(t *testing.T) {
	root := New(true)
	launch, _, err := root.Find([]string{"launch"})
	if err != nil {
		t.Fatal(err)
	}
	if err := launch.ParseFlags([]string{"./prog", "--", "-v", "x"}); err != nil {
		t.Fatal(err)
	}
	path, args := splitArgs(launch, launch.Flags().Args())
	if len(path) != 1 || path[0] != "./prog" || len(args) != 2 || args[0] != "-v" {
		t.Fatalf("got %q %q", path, args)
	}
}

func TestLaunchRequiresPath(t *testing.T) {
	defer func(b string) { backend = b }(backend)
	root := New(true)
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--backend=native", "launch"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "path to a binary") {
		t.Fatalf("expected missing path error, got %v", err)
	}
}
