package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-tty"
	"github.com/spf13/cobra"

	"github.com/kcore-os/kcore/builder"
	"github.com/kcore-os/kcore/config"
	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/diagnostics"
	"github.com/kcore-os/kcore/initrd"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/loader"
	"github.com/kcore-os/kcore/sim"
)

var (
	runOpts = struct {
		board    string
		initrd   string
		bootargs string
		cores    int
		policy   string
		maxSteps uint64
		report   bool
		trace    string
		step     bool
	}{}

	runCmd = &cobra.Command{
		Use:   "run [apps...]",
		Short: "Run apps on the simulated board",
		Long:  "Boot the kernel on the simulated board with apps from an initrd and/or app files (.s, .hex or .bin).",
		RunE:  runSim,
	}

	asmOpts = struct {
		output string
	}{}

	asmCmd = &cobra.Command{
		Use:   "asm file.s",
		Short: "Assemble an app for the simulated board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := assemble(args[0])
			if err != nil {
				return err
			}
			out := asmOpts.output
			if out == "" {
				out = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".bin"
			}
			if filepath.Ext(out) == ".hex" {
				var buf bytes.Buffer
				if err := loader.WriteHex(&buf, image); err != nil {
					return err
				}
				image = buf.Bytes()
			}
			return os.WriteFile(out, image, 0644)
		},
	}

	mkinitrdOpts = struct {
		output string
	}{}

	mkinitrdCmd = &cobra.Command{
		Use:   "mkinitrd apps...",
		Short: "Pack apps into an initrd image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &builder.Rootfs{
				Apps: args,
				Log:  klog.Stdout(klog.InfoMask | klog.WarnMask | klog.ErrorMask),
			}
			return r.Build(mkinitrdOpts.output)
		},
	}
)

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runOpts.board, "board", "", "board description (YAML)")
	flags.StringVar(&runOpts.initrd, "initrd", "", "initrd image to boot from")
	flags.StringVar(&runOpts.bootargs, "bootargs", "", "kernel command line, overriding the board's")
	flags.IntVar(&runOpts.cores, "cores", 0, "number of cores, overriding the board's")
	flags.StringVar(&runOpts.policy, "faults", "", "fault policy: halt or kill")
	flags.Uint64Var(&runOpts.maxSteps, "max-steps", 0, "stop after a core executed this many instructions")
	flags.BoolVar(&runOpts.report, "report", false, "print per task timeslice statistics")
	flags.StringVar(&runOpts.trace, "trace", "", "write a PNG timeline of the run")
	flags.BoolVar(&runOpts.step, "step", false, "stop at every trap and wait for a key (q quits)")

	asmCmd.Flags().StringVarP(&asmOpts.output, "output", "o", "", "output image, .bin or .hex")
	mkinitrdCmd.Flags().StringVarP(&mkinitrdOpts.output, "output", "o", "initrd.img", "output image")
}

func boardConfig() (*config.Config, error) {
	board := config.Default()
	if runOpts.board != "" {
		c, err := config.Load(runOpts.board)
		if err != nil {
			return nil, err
		}
		board = c.Board
	}
	if runOpts.bootargs != "" {
		board.BootArgs = runOpts.bootargs
	}
	if runOpts.cores != 0 {
		board.Cores = runOpts.cores
	}
	if runOpts.policy != "" {
		board.FaultPolicy = runOpts.policy
	}
	return board.Resolve()
}

func assemble(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	image, err := sim.Assemble(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return image, nil
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := boardConfig()
	if err != nil {
		return err
	}
	log := klog.Stdout(cfg.Level)
	opts := sim.Options{
		Cores:     cfg.Board.Cores,
		Timeslice: cfg.Board.Timeslice,
		CodePages: cfg.CodePages,
		DataPages: cfg.DataPages,
		Policy:    cfg.Policy,
		Log:       log,
		MaxSteps:  runOpts.maxSteps,
	}
	if runOpts.step {
		keyboard, err := tty.Open()
		if err != nil {
			return err
		}
		defer keyboard.Close()
		opts.OnTrap = stepper(keyboard)
	}
	m := sim.New(opts)

	if runOpts.initrd != "" {
		f, err := os.Open(runOpts.initrd)
		if err != nil {
			return err
		}
		entries, err := initrd.Read(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", runOpts.initrd, err)
		}
		if err := m.Boot(entries, cfg.Args.Init); err != nil {
			return err
		}
	}
	for _, path := range args {
		var image []byte
		if filepath.Ext(path) == ".s" {
			image, err = assemble(path)
		} else {
			image, err = builder.ReadApp(path)
		}
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, err := m.Load(name, image); err != nil {
			return err
		}
	}

	runErr := m.Run(cmd.Context())
	m.LogStats()
	if runOpts.report {
		m.Trace().WriteReport(os.Stdout)
	}
	if runOpts.trace != "" {
		if err := m.Trace().Render().SavePNG(runOpts.trace); err != nil {
			return err
		}
	}

	var fault *diagnostics.Fault
	var halt *klog.Halt
	if errors.As(runErr, &fault) || errors.As(runErr, &halt) {
		diagnostics.CreateReport(runErr).WriteTo(os.Stderr)
	}
	return runErr
}

// stepper pauses the trapping core until a key is pressed. Both cores share
// the keyboard, one trap at a time.
func stepper(keyboard *tty.TTY) func(int, cpu.Cause, *cpu.Frame) bool {
	var mu sync.Mutex
	return func(core int, cause cpu.Cause, frame *cpu.Frame) bool {
		mu.Lock()
		defer mu.Unlock()
		fmt.Printf("cpu%d: %s at pc=%#08x, a2=%#x. Continue? [Y/q] ", core, cause, frame.PC, frame.AR[cpu.SyscallNum])
		r, err := keyboard.ReadRune()
		fmt.Println()
		return err == nil && r != 'q'
	}
}
