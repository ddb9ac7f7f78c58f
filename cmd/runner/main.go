// Command runner boots a kernel image under QEMU from a YAML config file,
// optionally attaching the host terminal to the emulated serial port.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
)

func main() {
	configPath := flag.String("config", "runner.yaml", "path to the runner config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var stdin = os.Stdin
	var console *serialConsole
	if cfg.Serial {
		console, err = attachSerial()
		if err != nil {
			fatal(err)
		}
		defer console.Restore()
	}

	if err := runQEMU(ctx, cfg, stdin, os.Stdout, os.Stderr); err != nil {
		if console != nil {
			console.Restore()
		}
		fatal(err)
	}
}
