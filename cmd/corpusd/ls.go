package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/divfuzz/corpus/internal/fuzzcore/store"
	fsabs "github.com/divfuzz/corpus/pkg/fs"
)

func runLs(args []string, _ *slog.Logger) error {
	fs, outDir, cfgPath := commonFlags("ls")
	which := fs.String("dir", "queue", "which directory to list: queue|crashes|hangs")

	if err := fs.Parse(args); err != nil {
		return err
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

	var names []string

	switch *which {
	case "queue":
		names, err = st.ListQueue()
	case "crashes":
		names, err = st.ListCrashes()
	case "hangs":
		names, err = st.ListHangs()
	default:
		return fmt.Errorf("unknown --dir %q", *which)
	}

	if err != nil {
		return err
	}

	for _, n := range names {
		fmt.Fprintln(os.Stdout, n)
	}

	return nil
}
