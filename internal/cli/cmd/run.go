package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/corvus-vm/corvus/internal/cli"
	"github.com/corvus-vm/corvus/internal/config"
	"github.com/corvus-vm/corvus/internal/log"
	"github.com/corvus-vm/corvus/internal/tty"
	"github.com/corvus-vm/corvus/internal/vm"
)

// Runner returns the run command: load an image and execute it from address zero.
func Runner() cli.Command {
	return &runner{log: log.DefaultLogger()}
}

type runner struct {
	logLevel   slog.Level
	configFile string
	storage    string
	net        bool

	log *log.Logger
}

func (runner) Description() string {
	return "run a machine image"
}

func (runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run [-config corvus.yml] image.bin

Loads a flat binary image at physical address zero and executes it until the
machine halts. The register file is printed on halt.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&r.configFile, "config", config.DefaultFilename, "machine manifest `file`")
	fs.StringVar(&r.storage, "storage", "", "block storage image `file` (overrides manifest)")
	fs.BoolVar(&r.net, "net", false, "enable the network adapter (overrides manifest)")
	fs.Func("loglevel", "set log `level`", func(s string) error {
		return r.logLevel.UnmarshalText([]byte(s))
	})

	return fs
}

// Run executes the image.
func (r *runner) Run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger,
) int {
	log.LogLevel.Set(r.logLevel)

	if len(args) != 1 {
		logger.Error("run: expected exactly one image file")
		return 2
	}

	cfg, err := config.Load(r.configFile)
	if err != nil {
		logger.Error("Error loading manifest", "ERR", err)
		return 1
	}

	if r.logLevel == 0 && cfg.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			log.LogLevel.Set(lvl)
		}
	}

	if r.storage != "" {
		cfg.Storage = r.storage
	}

	if r.net {
		cfg.Net = true
	}

	var (
		input  io.Reader = os.Stdin
		output io.Writer = stdout
	)

	console, err := tty.NewConsole(os.Stdin, os.Stdout)

	switch {
	case err == nil:
		defer console.Restore()

		input = console.Reader()
		output = console.Writer()
	case errors.Is(err, tty.ErrNoTTY):
		logger.Debug("No terminal; keyboard input is cooked")
	default:
		logger.Error("Error configuring terminal", "ERR", err)
		return 1
	}

	opts := []vm.OptionFn{
		vm.WithLogger(logger),
		vm.WithRAMSize(cfg.RAMSize),
		vm.WithInput(input),
		vm.WithOutput(output),
		vm.WithNet(cfg.Net),
	}

	if cfg.Storage != "" {
		opts = append(opts, vm.WithStorage(cfg.Storage))
	}

	machine, err := vm.New(opts...)
	if err != nil {
		logger.Error("Error initializing machine", "ERR", err)
		return 1
	}

	loader := vm.NewLoader(machine)

	count, err := loader.LoadFile(args[0])
	if err != nil {
		logger.Error("Error loading image", "ERR", err)
		return 1
	}

	logger.Debug("Loaded image", "file", args[0], "bytes", count)

	err = machine.Run(ctx)

	// The console owns stdout while raw; route the dump through it.
	fmt.Fprint(output, machine.Registers().Dump())

	switch {
	case errors.Is(err, vm.ErrTripleFault):
		logger.Error("Machine halted on triple fault")
		return 2
	case errors.Is(err, vm.ErrHalted):
		return 0
	case err != nil:
		logger.Error("Machine error", "ERR", err)
		return 2
	default:
		return 0
	}
}
