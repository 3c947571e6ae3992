package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/divfuzz/corpus/internal/fuzzcore/store"
	fsabs "github.com/divfuzz/corpus/pkg/fs"
)

var errShowMissingName = errors.New("show: requires exactly one entry name argument")

func runShow(args []string, _ *slog.Logger) error {
	fs, outDir, cfgPath := commonFlags("show")
	which := fs.String("dir", "queue", "which directory the entry lives in: queue|crashes|hangs")

	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return errShowMissingName
	}

	cfg, _, err := loadConfig(*outDir, *cfgPath)
	if err != nil {
		return err
	}

	st, err := store.Open(fsabs.NewReal(), cfg.OutDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	data, err := st.ReadEntry(*which, rest[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "name: %s\nsize: %d bytes\n", rest[0], len(data))

	return nil
}
