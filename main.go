// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/cheggaaa/pb"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/usedbytes/soc-loader/bus"
	"github.com/usedbytes/soc-loader/program"
)

const portEnv = "SOC_LOADER_PORT"

const (
	exitOK = iota
	exitUsage
	exitNotFound
	exitIO
	exitTransport
	exitVerify
	exitTooLarge
)

var errUsage = errors.New("expected 1 argument: the file path")

// Swapped out by tests.
var openPort = bus.Open

type options struct {
	port       string
	baud       uint
	chunkWords int
	noProgress bool
	elf        bool
}

func exitCode(err error) int {
	var te *program.TransportError

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case program.IsVerificationError(err):
		return exitVerify
	case errors.As(err, &te):
		return exitTransport
	case errors.Is(err, program.ErrImageTooLarge):
		return exitTooLarge
	case errors.Is(err, program.ErrNotFound):
		return exitNotFound
	case errors.Is(err, program.ErrIO):
		return exitIO
	}

	return exitUsage
}

// connect opens the port and runs the bus selftest. The returned close func
// must be called once the loader is no longer needed.
func (o *options) connect() (*program.Loader, func(), error) {
	port := o.port
	if port == "" {
		port = os.Getenv(portEnv)
	}

	conn, err := openPort(port, o.baud)
	if err != nil {
		return nil, nil, &program.TransportError{Op: "open " + port, Err: err}
	}
	glog.Infof("Opened %s", port)

	loader := program.NewLoader(bus.NewMaster(conn))
	loader.ChunkWords = o.chunkWords
	if o.elf {
		loader.ReadImage = program.ReadRegionELF
	}

	err = loader.SelfTest()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	return loader, func() { conn.Close() }, nil
}

func showProgress(w io.Writer, progress <-chan program.ProgressReport, done chan<- struct{}) {
	defer close(done)

	var bar *pb.ProgressBar
	stage := ""
	for r := range progress {
		if bar == nil || r.Stage != stage {
			if bar != nil {
				bar.Finish()
			}
			bar = pb.New(r.Max).Prefix(r.Stage + " ")
			bar.Output = w
			bar.Start()
			stage = r.Stage
		}
		bar.Set(r.Progress)
	}

	if bar != nil {
		bar.Finish()
	}
}

func (o *options) runLoad(cmd *cobra.Command, args []string) error {
	loader, closeFn, err := o.connect()
	if err != nil {
		return err
	}
	defer closeFn()

	if len(args) < 1 {
		return errUsage
	}

	var progress chan program.ProgressReport
	done := make(chan struct{})
	if o.noProgress {
		close(done)
	} else {
		progress = make(chan program.ProgressReport)
		go showProgress(cmd.ErrOrStderr(), progress, done)
	}

	err = loader.Load(args[0], progress)
	<-done

	var ve *program.VerificationError
	if errors.As(err, &ve) {
		for _, m := range ve.Mismatches {
			fmt.Fprintf(cmd.OutOrStdout(), "Validation failed at %v\n", m)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Not starting the CPU due to verification errors")
		return err
	} else if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "CPU started")

	return nil
}

func (o *options) runState(cmd *cobra.Command, args []string) error {
	loader, closeFn, err := o.connect()
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := loader.QueryState()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Program counter: 0x%x\n", st.PC)
	fmt.Fprintf(out, "IF has error: %v\n", st.IFError)
	fmt.Fprintf(out, "IF error code: %d\n", st.IFErrorCode)
	fmt.Fprintf(out, "MEM has error: %v\n", st.MemError)
	fmt.Fprintf(out, "MEM error code: %d\n", st.MemErrorCode)

	return nil
}

func (o *options) runDump(cmd *cobra.Command, args []string) error {
	count, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("%w: bad word count %q", errUsage, args[0])
	}

	loader, closeFn, err := o.connect()
	if err != nil {
		return err
	}
	defer closeFn()

	words, err := loader.Dump(int(count))
	if err != nil {
		return err
	}

	err = program.WriteImage(args[1], words)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Dumped %d words from 0x%08x to %s\n", len(words), program.MemBase, args[1])

	return nil
}

func (o *options) runControl(start bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		loader, closeFn, err := o.connect()
		if err != nil {
			return err
		}
		defer closeFn()

		if start {
			err = loader.Start()
		} else {
			err = loader.Halt()
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "OK")

		return nil
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "soc-loader [flags] IMAGE",
		Short: "Load, verify and start a firmware image on the SoC",
		Long: `Halts the SoC's CPU, writes IMAGE to memory at ` +
			fmt.Sprintf("0x%x", program.MemBase) + `, reads it back to verify and ` +
			`starts the CPU only if every word matches.

IMAGE is a raw binary of little-endian words, or an ELF with --elf. An
image whose name is also a subcommand (state, dump, start, halt) must be
given with a path, e.g. ./state.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog complains unless the go flag set has been parsed; the
			// values themselves arrive through pflag.
			_ = flag.CommandLine.Parse(nil)
		},
		RunE: o.runLoad,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.port, "port", "p", "", "serial port, or tcp:host:port (default $"+portEnv+")")
	pf.UintVar(&o.baud, "baud", bus.DefaultBaudRate, "serial baud rate")
	pf.IntVar(&o.chunkWords, "chunk-words", 1024, "words per write/read-back call")
	pf.BoolVar(&o.noProgress, "no-progress", false, "don't draw progress bars")
	root.Flags().BoolVar(&o.elf, "elf", false, "IMAGE is an ELF, load its segments in the memory region")
	pf.AddGoFlagSet(flag.CommandLine)

	root.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Print the CPU state",
		Args:  cobra.NoArgs,
		RunE:  o.runState,
	})
	root.AddCommand(&cobra.Command{
		Use:   "dump COUNT FILE",
		Short: "Read COUNT words back from the memory region into FILE",
		Args:  cobra.ExactArgs(2),
		RunE:  o.runDump,
	})
	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Release the CPU",
		Args:  cobra.NoArgs,
		RunE:  o.runControl(true),
	})
	root.AddCommand(&cobra.Command{
		Use:   "halt",
		Short: "Halt the CPU",
		Args:  cobra.NoArgs,
		RunE:  o.runControl(false),
	})

	return root
}

// loadEnv reads .env from the working directory, if there is one. Variables
// already set in the environment win.
func loadEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: .env: %w", program.ErrIO, err)
	}

	return nil
}

func run(args []string, stdout, stderr io.Writer) int {
	defer glog.Flush()

	err := loadEnv()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitCode(err)
	}

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err = root.Execute()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}

	return exitCode(err)
}

func main() {
	_ = flag.Set("logtostderr", "true")

	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
