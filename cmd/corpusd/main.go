// Command corpusd drives the diversity-driven corpus core offline: it
// replays a directory of raw trace-map captures through the pipeline and
// lets an operator inspect or validate the resulting corpus without a live
// target process. It has no repair command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/divfuzz/corpus/internal/fuzzcore/fatal"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (code int) {
	defer func() {
		if msg, ok := fatal.Recover(); ok {
			fmt.Fprintf(os.Stderr, "corpusd: fatal: %s\n", msg)

			code = 1
		}
	}()

	if len(args) == 0 {
		printUsage()

		return 1
	}

	cmd, rest := args[0], args[1:]

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var err error

	switch cmd {
	case "status":
		err = runStatus(rest, logger)
	case "ls":
		err = runLs(rest, logger)
	case "show":
		err = runShow(rest, logger)
	case "verify":
		err = runVerify(rest, logger)
	case "replay":
		err = runReplay(context.Background(), rest, logger)
	case "-h", "--help", "help":
		printUsage()

		return 0
	default:
		fmt.Fprintf(os.Stderr, "corpusd: unknown command %q\n", cmd)
		printUsage()

		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "corpusd: %v\n", err)

		return 1
	}

	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: corpusd <command> [flags]

commands:
  status   print corpus counters and config
  ls       list queue/crashes/hangs entries
  show     print the name and size of one entry
  verify   check that every queue entry is readable and non-empty
  replay   drive the pipeline over a directory of *.trace captures`)
}

func commonFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	outDir := fs.String("out-dir", "out", "corpus out_dir")
	config := fs.String("config", "", "explicit config file path")

	return fs, outDir, config
}
