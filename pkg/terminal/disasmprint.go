package terminal

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/radctl/radctl/pkg/trapnet"
)

type asmInstruction struct {
	inst  trapnet.Inst
	bytes []byte
	file  string
	line  uint32
	atPC  bool
}

func disasmPrint(dv []asmInstruction, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atpc := ""
		if inst.atPC {
			atpc = "=>"
		}
		loc := ""
		if inst.file != "" {
			loc = fmt.Sprintf("%s:%d", filepath.Base(inst.file), inst.line)
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x\t%x\t%s\n", atpc, loc, inst.inst.PC, inst.bytes, inst.inst)
	}
}
