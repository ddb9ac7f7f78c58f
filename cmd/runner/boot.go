package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
)

// qemuArgs assembles the argv (excluding argv[0]) passed to qemu-system-x86_64
// for the given config.
func qemuArgs(cfg *Config) []string {
	args := []string{
		"-kernel", cfg.KernelImage,
		"-smp", strconv.Itoa(cfg.CPUs),
		"-m", strconv.FormatUint(cfg.MemoryMB, 10) + "M",
		"-no-reboot",
	}
	if cfg.Serial {
		args = append(args, "-serial", "stdio", "-display", "none")
	}
	return append(args, cfg.ExtraArgs...)
}

// waitForBoot shows a progress bar while QEMU performs its own startup
// (firmware probing, device realization) before the kernel's first output
// reaches the host. There is no structured "boot complete" signal from a
// freestanding kernel over this path, so the bar tracks a fixed grace
// window rather than a byte count.
func waitForBoot(ctx context.Context, grace time.Duration) {
	bar := progressbar.Default(int64(grace/time.Millisecond), "booting")
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(grace)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			_ = bar.Finish()
			return
		case <-ticker.C:
			_ = bar.Add(1)
		}
	}
}

// runQEMU launches qemu-system-x86_64 with the given config and waits for it
// to exit. The given stdin, stdout and stderr are always wired to QEMU; when
// cfg.Serial is set QEMU puts the guest serial port on that stdio, so a
// terminal the caller switched to raw mode with attachSerial reaches the guest.
func runQEMU(ctx context.Context, cfg *Config, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, "qemu-system-x86_64", qemuArgs(cfg)...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching qemu: %w", err)
	}

	go waitForBoot(ctx, 2*time.Second)

	return cmd.Wait()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[runner] error: %s\n", err)
	os.Exit(1)
}
