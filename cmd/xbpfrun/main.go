package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/xbpf"
	"github.com/xyproto/xbpf/internal/jit"
	"github.com/xyproto/xbpf/internal/vmtypes"
)

func main() {
	var (
		raw       = flag.Bool("raw", false, "treat the object file as a bare instruction stream, not ELF")
		mainName  = flag.String("main", "", "entry-point symbol name for an ELF object")
		memFile   = flag.String("mem", "", "file contents to pass as the program's mem argument")
		bounds    = flag.Bool("bounds", false, "enable bounds checking for non-stack memory accesses")
		stackSize = flag.Int("stack", 0, "private stack size in bytes (0 uses the package default)")
		verbose   = flag.Bool("v", false, "verbose tracing")
	)
	flag.Parse()

	cfg := loadConfig(*verbose, *bounds, *stackSize)
	if cfg.stackSize == 0 {
		cfg.stackSize = vmtypes.DefaultStackSize
	}
	xbpf.VerboseMode = cfg.verbose
	jit.VerboseMode = cfg.verbose

	ctx := &CommandContext{
		cfg:      cfg,
		memFile:  *memFile,
		rawInput: *raw,
		mainName: *mainName,
	}

	if err := RunCLI(flag.Args(), ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
