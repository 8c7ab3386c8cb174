package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"mediahub/internal/app"
	"mediahub/pkg/utils"
)

func main() {
	var (
		in      = flag.String("in", "data/library.csv", "input CSV path")
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

	f, err := os.Open(*in)
	if err != nil {
		log.Fatalf("open %s: %v", *in, err)
	}
	rows, err := app.ReadCSV(f)
	f.Close()
	if err != nil {
		log.Fatalf("read %s: %v", *in, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := app.Open(ctx, cfg, utils.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		log.Fatalf("open library: %v", err)
	}
	rep, importErr := a.Import(rows)

	// Close flushes the whole burst as one push.
	if err := a.Close(ctx); err != nil {
		log.Printf("close library: %v", err)
	}
	if importErr != nil {
		log.Fatalf("import stopped after %d rows: %v", rep.Imported, importErr)
	}

	log.Printf("✅ imported %d entries from %s (%d skipped, %d lists created)", rep.Imported, *in, rep.Skipped, rep.ListsCreated)
}
