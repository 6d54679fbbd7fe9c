package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kenanay/AykenOS/kernel/kfmt"
	"github.com/kenanay/AykenOS/kernel/kmain"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	noColor bool

	// Machine flags
	memMb           uint
	heapMb          uint
	identityLimitMb uint
	timerHz         uint32
	userTicks       int
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aykenctl",
		Short: "Boot and inspect a simulated AykenOS machine",
		Long: `aykenctl powers on a simulated x86_64 machine, boots the AykenOS
memory and execution core on it and reports on the state of the frame
allocator, the page tables, the kernel heap and the process table.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			kfmt.SetOutputSink(kernelLogSink())
		},
	}

	defaults := kmain.DefaultConfig()

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show the kernel log")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	cmd.PersistentFlags().UintVar(&memMb, "mem", uint(defaults.MemorySize/mm.Mb), "Installed memory in MiB")
	cmd.PersistentFlags().UintVar(&heapMb, "heap", uint(defaults.HeapSize/mm.Mb), "Kernel heap size in MiB")
	cmd.PersistentFlags().UintVar(&identityLimitMb, "identity-limit", uint(defaults.IdentityLimit/uintptr(mm.Mb)), "End of the loader identity mapping in MiB")
	cmd.PersistentFlags().Uint32Var(&timerHz, "hz", defaults.TimerHz, "Timer frequency")
	cmd.PersistentFlags().IntVar(&userTicks, "user-ticks", defaults.UserTicks, "Timer interrupts consumed by each user process")

	cmd.AddCommand(newBootCmd(), newMemmapCmd(), newLoadCmd())
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// machineConfig builds the boot configuration from the machine flags.
func machineConfig() kmain.Config {
	cfg := kmain.DefaultConfig()
	cfg.MemorySize = mm.Size(memMb) * mm.Mb
	cfg.HeapSize = mm.Size(heapMb) * mm.Mb
	cfg.IdentityLimit = uintptr(identityLimitMb) * uintptr(mm.Mb)
	cfg.TimerHz = timerHz
	cfg.UserTicks = userTicks
	return cfg
}

// bootMachine powers on a machine and runs the boot sequence on it. The
// caller must release the returned machine.
func bootMachine(cfg kmain.Config) (*kmain.Machine, *kmain.Kernel, error) {
	printVerbose("Powering on machine with %d MiB of RAM\n", cfg.MemorySize/mm.Mb)

	m, err := kmain.PowerOn(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to power on machine: %w", err)
	}

	k, err := kmain.Kmain(m, cfg)
	if err != nil {
		_ = m.Release()
		return nil, nil, fmt.Errorf("boot failed: %w", err)
	}

	return m, k, nil
}

// kernelLogSink returns the writer that receives the kernel log.
func kernelLogSink() io.Writer {
	if !verbose || quiet {
		return io.Discard
	}
	return &kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte(styled(logStyle, "  | "))}
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, styled(errorStyle, "Error: ")+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}
