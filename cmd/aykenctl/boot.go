package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kenanay/AykenOS/kernel/kmain"
	"github.com/kenanay/AykenOS/kernel/proc"
	"github.com/spf13/cobra"
)

func newBootCmd() *cobra.Command {
	var flatImages, elfImages []string

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the machine and run the init process",
		Long: `The boot command powers on the machine, runs the boot sequence and
hands the CPU to the scheduler. The init process starts every program
given with --flat or --elf as a user process. The command returns once no
process can make progress and prints the final state of the machine.

Example:
  aykenctl boot
  aykenctl boot --elf hello.elf --flat spin.bin -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot(flatImages, elfImages)
		},
	}

	cmd.Flags().StringArrayVar(&flatImages, "flat", nil, "Flat program image to start (repeatable)")
	cmd.Flags().StringArrayVar(&elfImages, "elf", nil, "ELF program image to start (repeatable)")
	return cmd
}

func runBoot(flatImages, elfImages []string) error {
	cfg := machineConfig()

	for _, spec := range []struct {
		paths  []string
		format proc.ImageFormat
	}{
		{flatImages, proc.ImageFlat},
		{elfImages, proc.ImageELF},
	} {
		for _, path := range spec.paths {
			prog, err := readProgram(path, spec.format)
			if err != nil {
				return err
			}
			cfg.Programs = append(cfg.Programs, prog)
		}
	}

	m, k, err := bootMachine(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release() }()

	k.Run()

	printHeader("Processes")
	printProcessTable(k)

	printHeader("Machine")
	printField("Timer ticks", "%d (%s at %dHz)", k.Timer.Ticks(), k.Timer.Uptime(), cfg.TimerHz)
	printField("Page faults", "%d", k.PageFaults())
	printField("Frames free", "%d / %d", k.Frames.FreeFrames(), k.Frames.TotalFrames())

	if err := k.Sched.CheckInvariants(); err != nil {
		return fmt.Errorf("scheduler state is inconsistent: %w", err)
	}
	printInfo("\n%s\n", styled(okStyle, "✓ scheduler invariants hold"))
	return nil
}

func readProgram(path string, format proc.ImageFormat) (kmain.Program, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return kmain.Program{}, fmt.Errorf("failed to read program image: %w", err)
	}

	return kmain.Program{
		Name:   filepath.Base(path),
		Image:  image,
		Format: format,
	}, nil
}

func printProcessTable(k *kmain.Kernel) {
	printInfo("  %-4s %-16s %-7s %-6s %-11s %s\n", "PID", "NAME", "KIND", "IMAGE", "STATE", "ENTRY")
	k.Procs.Visit(func(p *proc.Process) bool {
		image := "-"
		if p.Kind == proc.UserProcess {
			image = p.Format.String()
		}
		printInfo("  %-4d %-16s %-7s %-6s %-11s 0x%x\n", p.PID, p.Name(), p.Kind, image, p.State, p.Context.RIP)
		return true
	})
}
