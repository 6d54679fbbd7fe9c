package main

import (
	"fmt"

	"github.com/fogleman/gg"
	"github.com/kenanay/AykenOS/kernel/hal/bootinfo"
	"github.com/kenanay/AykenOS/kernel/mm"
	"github.com/kenanay/AykenOS/kernel/mm/pmm"
	"github.com/spf13/cobra"
)

const (
	// bitmapColumns is the number of frames per row of the frame bitmap
	// image.
	bitmapColumns = 128

	// bitmapCellSize is the edge length in pixels of one frame.
	bitmapCellSize = 4
)

func newMemmapCmd() *cobra.Command {
	var pngPath string

	cmd := &cobra.Command{
		Use:   "memmap",
		Short: "Show the firmware memory map and the frame allocator state",
		Long: `The memmap command boots the machine without starting the scheduler
and prints the memory map handed over by the firmware together with the
frame allocator and kernel heap statistics. With --png the frame bitmap is
rendered as an image where every cell is one 4KiB frame.

Example:
  aykenctl memmap
  aykenctl memmap --mem 128 --png frames.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemmap(pngPath)
		},
	}

	cmd.Flags().StringVar(&pngPath, "png", "", "Write the frame bitmap to a PNG file")
	return cmd
}

func runMemmap(pngPath string) error {
	m, k, err := bootMachine(machineConfig())
	if err != nil {
		return err
	}
	defer func() { _ = m.Release() }()

	regions, kerr := bootinfo.Regions(k.Mem, k.Info)
	if kerr != nil {
		return fmt.Errorf("failed to read memory map: %w", kerr)
	}

	printHeader("Memory map")
	printInfo("  %-20s %-20s %-10s %s\n", "START", "END", "PAGES", "TYPE")
	for _, r := range regions {
		printInfo("  0x%-18x 0x%-18x %-10d %s\n", r.PhysStart, r.End(), r.NumPages, r.Type)
	}

	kernelStart, kernelEnd := k.Info.KernelRange()
	printHeader("Frame allocator")
	printField("Kernel image", "0x%x - 0x%x", kernelStart, kernelEnd)
	printField("Usable frames", "%d (%d KiB)", k.Frames.TotalFrames(), k.Frames.TotalFrames()*uint64(mm.PageSize)/1024)
	printField("Free frames", "%d", k.Frames.FreeFrames())

	stats, kerr := k.Heap.Stats()
	if kerr != nil {
		return fmt.Errorf("failed to walk kernel heap: %w", kerr)
	}
	heapStart, heapEnd := k.Heap.Bounds()
	printHeader("Kernel heap")
	printField("Region", "0x%x - 0x%x", heapStart, heapEnd)
	printField("Blocks", "%d (%d free)", stats.Blocks, stats.FreeBlocks)
	printField("Used bytes", "%d", stats.UsedBytes)
	printField("Free bytes", "%d (largest block %d)", stats.FreeBytes, stats.LargestFree)

	if pngPath == "" {
		return nil
	}

	frameCount := uint64(k.Mem.Size() >> mm.PageShift)
	if err := renderFrameBitmap(k.Frames, frameCount, pngPath); err != nil {
		return fmt.Errorf("failed to render frame bitmap: %w", err)
	}
	printInfo("\n%s\n", styled(okStyle, "✓ frame bitmap written to "+pngPath))
	return nil
}

// renderFrameBitmap draws one cell per frame: green for free frames, red
// for used frames and grey for frames outside installed memory.
func renderFrameBitmap(frames *pmm.BitmapAllocator, frameCount uint64, path string) error {
	rows := int((frameCount + bitmapColumns - 1) / bitmapColumns)
	if rows == 0 {
		rows = 1
	}

	dc := gg.NewContext(bitmapColumns*bitmapCellSize, rows*bitmapCellSize)
	dc.SetHexColor("#161b22")
	dc.Clear()

	for index := uint64(0); index < frameCount; index++ {
		switch frames.IsUsed(mm.Frame(index).Address()) {
		case pmm.FrameFree:
			dc.SetHexColor("#3fb950")
		case pmm.FrameUsed:
			dc.SetHexColor("#f85149")
		default:
			dc.SetHexColor("#6e7681")
		}

		x := float64(int(index%bitmapColumns) * bitmapCellSize)
		y := float64(int(index/bitmapColumns) * bitmapCellSize)
		dc.DrawRectangle(x, y, bitmapCellSize-1, bitmapCellSize-1)
		dc.Fill()
	}

	return dc.SavePNG(path)
}

