package main

import (
	"fmt"
	"os"

	"github.com/xyproto/xbpf"
	"github.com/xyproto/xbpf/internal/engine"
)

// CommandContext carries the parsed global flags into every subcommand,
// mirroring the teacher's own CommandContext/RunCLI split in cli.go.
type CommandContext struct {
	cfg      config
	memFile  string
	rawInput bool
	mainName string
}

// RunCLI dispatches to the run/jit/translate subcommands based on args[0].
func RunCLI(args []string, ctx *CommandContext) error {
	if len(args) == 0 {
		return cmdHelp()
	}

	switch args[0] {
	case "run":
		if len(args) < 2 {
			return fmt.Errorf("usage: xbpfrun [-mem file] run <object-file>")
		}
		return cmdRun(ctx, args[1])
	case "jit":
		if len(args) < 2 {
			return fmt.Errorf("usage: xbpfrun [-mem file] jit <object-file>")
		}
		return cmdJIT(ctx, args[1])
	case "translate":
		if len(args) < 3 {
			return fmt.Errorf("usage: xbpfrun translate <object-file> <output-file>")
		}
		return cmdTranslate(ctx, args[1], args[2])
	case "help", "--help", "-h":
		return cmdHelp()
	default:
		return fmt.Errorf("unknown command: %s\n\nrun 'xbpfrun help' for usage information", args[0])
	}
}

func loadVM(ctx *CommandContext, path string) (*xbpf.VM, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xbpfrun: reading %s: %w", path, err)
	}

	vm := xbpf.Create()
	vm.SetStackSize(ctx.cfg.stackSize)
	vm.ToggleBoundsCheck(ctx.cfg.boundsCheck)

	if ctx.rawInput {
		err = vm.Load(image)
	} else {
		err = vm.LoadELFWithMain(image, ctx.mainName)
	}
	if err != nil {
		return nil, fmt.Errorf("xbpfrun: loading %s: %w", path, err)
	}
	return vm, nil
}

func readMem(ctx *CommandContext) ([]byte, error) {
	if ctx.memFile == "" {
		return nil, nil
	}
	mem, err := os.ReadFile(ctx.memFile)
	if err != nil {
		return nil, fmt.Errorf("xbpfrun: reading %s: %w", ctx.memFile, err)
	}
	return mem, nil
}

// cmdRun interprets the program and prints R0.
func cmdRun(ctx *CommandContext, path string) error {
	vm, err := loadVM(ctx, path)
	if err != nil {
		return err
	}
	mem, err := readMem(ctx)
	if err != nil {
		return err
	}
	result, err := vm.Exec(mem)
	if err != nil {
		return fmt.Errorf("xbpfrun: execution: %w", err)
	}
	fmt.Println(result)
	return nil
}

// cmdJIT compiles the program to native code and runs it.
func cmdJIT(ctx *CommandContext, path string) error {
	vm, err := loadVM(ctx, path)
	if err != nil {
		return err
	}
	mem, err := readMem(ctx)
	if err != nil {
		return err
	}
	run, err := vm.Compile()
	if err != nil {
		return fmt.Errorf("xbpfrun: jit: %w", err)
	}
	defer vm.Destroy()
	result, err := run(mem)
	if err != nil {
		return fmt.Errorf("xbpfrun: jit: %w", err)
	}
	fmt.Println(result)
	return nil
}

// cmdTranslate dumps the generated machine code for the host platform to a
// file, without allocating executable memory or running it.
func cmdTranslate(ctx *CommandContext, path, outPath string) error {
	vm, err := loadVM(ctx, path)
	if err != nil {
		return err
	}
	host, err := engine.Host()
	if err != nil {
		return fmt.Errorf("xbpfrun: %w", err)
	}
	code, err := vm.Translate(host)
	if err != nil {
		return fmt.Errorf("xbpfrun: translate: %w", err)
	}
	if err := os.WriteFile(outPath, code, 0644); err != nil {
		return fmt.Errorf("xbpfrun: writing %s: %w", outPath, err)
	}
	return nil
}

func cmdHelp() error {
	fmt.Fprintln(os.Stderr, `xbpfrun - run and inspect xbpf virtual machine programs

Usage:
  xbpfrun [flags] run <object-file>         interpret the program
  xbpfrun [flags] jit <object-file>         compile to native code and run it
  xbpfrun [flags] translate <object-file> <out>
                                            write generated machine code to a file
  xbpfrun help                              show this message

Flags (given before the subcommand):
  -raw           treat the object file as a bare instruction stream, not ELF
  -main <name>   entry-point symbol name for an ELF object
  -mem <file>    file contents to pass as the program's mem argument
  -bounds        enable bounds checking for non-stack memory accesses
  -stack <n>     private stack size in bytes
  -v             verbose tracing`)
	return nil
}
