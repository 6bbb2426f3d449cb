// Command novakernel is the host virtualization monitor's CLI driver:
// it loads a guest kernel ELF image into a freshly created KVM VM,
// runs it to completion, and reports the guest's result on exit.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"novakernel/internal/boot"
	"novakernel/internal/hostvm"
	"novakernel/internal/hostvm/diag"
	"novakernel/internal/hostvm/loader"
	"novakernel/internal/hostvm/serial"
	"novakernel/internal/mem/addr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		if err := runCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "novakernel: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: novakernel run <elf-path> [--test] [--config file.yaml] [--dump-entry] [--alloc-profile file]\n")
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	test := fs.Bool("test", false, "ask the guest to run its self-tests instead of its ordinary workload")
	configPath := fs.String("config", "", "path to a YAML config file")
	dumpEntry := fs.Bool("dump-entry", false, "disassemble the first instructions at the kernel's entry point before running it")
	allocProfile := fs.String("alloc-profile", "", "write a pprof profile of the guest's boot memory layout to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		usage()
		return fmt.Errorf("expected exactly one elf-path argument")
	}
	elfPath := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *test {
		cfg.Test = true
	}

	image, err := readELFWithProgress(elfPath)
	if err != nil {
		return err
	}

	layout := hostvm.BuildLayout()
	memSize := cfg.MemSizeMiB * 1024 * 1024
	if memSize < layout.MemSize {
		memSize = layout.MemSize
	}

	console := serial.New(os.Stdout)
	vm, err := hostvm.Open(memSize, layout, console)
	if err != nil {
		return fmt.Errorf("open vm: %w", err)
	}
	defer vm.Close()

	img, err := loader.Parse(image, addr.KernelCodeVirt, layout.KernelCodeSize)
	if err != nil {
		return fmt.Errorf("parse kernel elf: %w", err)
	}
	if err := img.CopyInto(vm.Memory()); err != nil {
		return fmt.Errorf("load kernel elf: %w", err)
	}
	if err := vm.SetEntry(img.Entry); err != nil {
		return fmt.Errorf("set entry point: %w", err)
	}

	if *dumpEntry {
		if err := dumpEntryDisassembly(vm.Memory(), layout, img.Entry); err != nil {
			return err
		}
	}
	if *allocProfile != "" {
		if err := writeAllocProfile(*allocProfile, layout); err != nil {
			return err
		}
	}

	writeRunFlags(vm.Memory(), layout, cfg.Test)

	result, err := vm.Run()
	if err != nil {
		return fmt.Errorf("run guest: %w", err)
	}

	if cfg.Test {
		if !result.TestsRan {
			return fmt.Errorf("guest halted without reporting a test result")
		}
		if !result.TestsPassed {
			return fmt.Errorf("guest self-tests failed")
		}
		fmt.Println("PASS")
	}
	return nil
}

// dumpEntryDisassembly prints the first instructions at the kernel's
// entry point, so a bad link or a stale build shows up as garbage
// opcodes before it ever reaches KVM_RUN.
func dumpEntryDisassembly(mem []byte, layout hostvm.Layout, entry uint64) error {
	phys := entry - addr.KernelCodeVirt + layout.KernelCodePhys
	if phys >= uint64(len(mem)) {
		return fmt.Errorf("dump-entry: entry point %#x maps outside guest memory", entry)
	}
	insns, err := diag.DisassembleEntry(mem[phys:], entry, 16)
	if err != nil && len(insns) == 0 {
		return fmt.Errorf("dump-entry: %w", err)
	}
	for _, insn := range insns {
		fmt.Printf("%#x: %s\n", insn.Addr, insn.Text)
	}
	return nil
}

// writeAllocProfile exports the host-built boot memory layout as a
// pprof profile, one sample per region, so its page-table and
// bookkeeping overhead can be inspected with "go tool pprof" the same
// way a live heap profile would be.
func writeAllocProfile(path string, layout hostvm.Layout) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("alloc-profile: %w", err)
	}
	defer f.Close()

	sites := []diag.AllocSite{
		{Frames: []string{"hostvm.BuildLayout", "directMapPageTables"}, Bytes: int64((layout.DirectMapPdptCount + layout.DirectMapPdCount + 1) * 4096)},
		{Frames: []string{"hostvm.BuildLayout", "kernelCodePageTables"}, Bytes: 2 * 4096},
		{Frames: []string{"hostvm.BuildLayout", "kernelStack"}, Bytes: int64(kernelStackBytes)},
		{Frames: []string{"hostvm.BuildLayout", "kernelCode"}, Bytes: int64(layout.KernelCodeSize)},
		{Frames: []string{"hostvm.BuildLayout", "runFlags"}, Bytes: 8},
	}
	if err := diag.WriteAllocatorProfile(f, sites); err != nil {
		return fmt.Errorf("alloc-profile: %w", err)
	}
	return nil
}

const kernelStackBytes = 0x1000 * 8

func writeRunFlags(mem []byte, layout hostvm.Layout, runTests bool) {
	flags := boot.FromBits(0).WithRunTests(runTests)
	binary.LittleEndian.PutUint64(mem[layout.RunFlagsPhys:layout.RunFlagsPhys+8], flags.Bits())
}

// readELFWithProgress reads the guest kernel image from disk, driving
// a byte-count progress bar so loading a large kernel image doesn't
// look like a hang.
func readELFWithProgress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	bar := progressbar.DefaultBytes(st.Size(), "loading kernel")
	buf := make([]byte, 0, st.Size())
	w := &sliceWriter{buf: &buf}

	if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf, nil
}

type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
