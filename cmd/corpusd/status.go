package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/divfuzz/corpus/internal/fuzzcore/config"
	"github.com/divfuzz/corpus/pkg/corpus"
)

func runStatus(args []string, logger *slog.Logger) error {
	fs, outDir, cfgPath := commonFlags("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*outDir, *cfgPath)
	if err != nil {
		return err
	}

	c, err := corpus.Open(".", cfg, corpus.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	defer c.Close() //nolint:errcheck

	formatted, err := config.Format(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, formatted)
	fmt.Fprintln(os.Stdout, c.Stats().Status())

	return nil
}

func loadConfig(outDir, cfgPath string) (config.Config, config.ConfigSources, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return config.Config{}, config.ConfigSources{}, fmt.Errorf("getwd: %w", err)
	}

	cfg, sources, err := config.Load(workDir, cfgPath, os.Environ())
	if err != nil {
		return config.Config{}, config.ConfigSources{}, err
	}

	if outDir != "" {
		cfg.OutDir = outDir
	}

	return cfg, sources, nil
}
