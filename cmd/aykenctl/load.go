package main

import (
	"fmt"

	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/vmm"
	"github.com/kenanay/AykenOS/kernel/proc"
	"github.com/spf13/cobra"
)

func newLoadCmd() *cobra.Command {
	var flat bool

	cmd := &cobra.Command{
		Use:   "load <image>",
		Short: "Load a program image and show the resulting address space",
		Long: `The load command boots the machine, creates a user process from the
supplied program image without running it and prints the user half of its
address space. Images are parsed as ELF64 executables unless --flat is given.

Example:
  aykenctl load hello.elf
  aykenctl load spin.bin --flat`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := proc.ImageELF
			if flat {
				format = proc.ImageFlat
			}
			return runLoad(args[0], format)
		},
	}

	cmd.Flags().BoolVar(&flat, "flat", false, "Treat the image as a flat binary")
	return cmd
}

func runLoad(path string, format proc.ImageFormat) error {
	prog, err := readProgram(path, format)
	if err != nil {
		return err
	}

	m, k, err := bootMachine(machineConfig())
	if err != nil {
		return err
	}
	defer func() { _ = m.Release() }()

	freeBefore := k.Frames.FreeFrames()
	p, kerr := k.Procs.CreateUserProcess(prog.Name, prog.Image, prog.Format)
	if kerr != nil {
		return fmt.Errorf("failed to load %s: %w", path, kerr)
	}

	printHeader("Process")
	printField("PID", "%d", p.PID)
	printField("Name", "%s", p.Name())
	printField("Image", "%s", p.Format)
	printField("Entry", "0x%x", p.Entry)
	printField("User stack top", "0x%x", p.UserStackTop)
	printField("Root table", "0x%x", p.Root.Address())
	printField("Frames committed", "%d", freeBefore-k.Frames.FreeFrames())

	printHeader("User mappings")
	printInfo("  %-20s %-20s %s\n", "VIRTUAL", "PHYSICAL", "FLAGS")
	kerr = k.VM.VisitMappings(p.Root, func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) bool {
		printInfo("  0x%-18x 0x%-18x %s\n", page.Address(), frame.Address(), flags)
		return true
	})
	if kerr != nil {
		return fmt.Errorf("failed to walk address space: %w", kerr)
	}

	return nil
}
