package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/divfuzz/corpus/pkg/corpus"
)

// runReplay stands in for a live forkserver (out of scope for this
// module): it reads a directory of raw M-byte trace-map captures, one
// *.trace file per execution, and drives each through the pipeline in
// filename order.
func runReplay(ctx context.Context, args []string, logger *slog.Logger) error {
	fs, outDir, cfgPath := commonFlags("replay")
	traceDir := fs.String("trace-dir", "", "directory of *.trace captures to replay")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *traceDir == "" {
		return fmt.Errorf("replay: --trace-dir is required")
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

	files, err := traceFiles(*traceDir)
	if err != nil {
		return err
	}

	progress := mpb.New(mpb.WithWidth(48))
	bar := progress.AddBar(int64(len(files)),
		mpb.PrependDecorators(decor.Name("replay")),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d"), decor.Percentage()),
	)

	kept := 0

	for _, f := range files {
		start := time.Now()

		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}

		wasKept, err := c.Execute(ctx, data, corpus.FaultNone)
		if err != nil {
			return fmt.Errorf("execute %s: %w", f, err)
		}

		if wasKept {
			kept++
		}

		bar.IncrBy(1, time.Since(start))
	}

	progress.Wait()

	if err := c.Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	fmt.Fprintf(os.Stdout, "replayed %d traces, kept %d, final stats: %s\n", len(files), kept, c.Stats().Status())

	return nil
}

func traceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read trace dir: %w", err)
	}

	var files []string

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".trace" {
			continue
		}

		files = append(files, filepath.Join(dir, e.Name()))
	}

	sort.Strings(files)

	return files, nil
}
