package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"mediahub/internal/app"
	"mediahub/pkg/utils"
)

func main() {
	var (
		out     = flag.String("out", "data/library.csv", "output CSV path")
		dataDir = flag.String("data", "", "data directory (overrides MEDIAHUB_DATA_DIR)")
	)
	flag.Parse()

	if err := utils.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := utils.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := app.Open(ctx, cfg, utils.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		log.Fatalf("open library: %v", err)
	}
	n, err := export(a, *out)
	if cerr := a.Close(ctx); cerr != nil {
		log.Printf("close library: %v", cerr)
	}
	if err != nil {
		log.Fatalf("export failed: %v", err)
	}

	log.Printf("✅ exported %d entries to %s", n, *out)
}

func export(a *app.App, outPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	n, err := a.WriteCSV(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
