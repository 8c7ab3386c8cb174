package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediahub/internal/auth"
	"mediahub/internal/remote"
	"mediahub/internal/sync"
	"mediahub/pkg/utils"
)

func main() {
	apiURL := flag.String("api", "", "API base URL (overrides MEDIAHUB_API_URL)")
	dataDir := flag.String("data", "", "data directory holding the saved session")
	token := flag.String("token", "", "bearer token (defaults to the saved session)")
	device := flag.String("device", "sync-client", "device id sent with the connection")
	pretty := flag.Bool("pretty", true, "pretty print JSON events")
	flag.Parse()

	if err := utils.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := utils.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *token == "" {
		sess, err := auth.LoadSession(cfg.SessionPath(), time.Now())
		if err != nil {
			log.Fatalf("[sync-client] %v: log in with the cli or pass -token", err)
		}
		*token = sess.Token
	}

	client := remote.NewClient(cfg.APIURL, 10*time.Second).WithToken(*token)
	client.DeviceID = *device

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := run(ctx, client, *pretty)
		if ctx.Err() != nil {
			return
		}
		var serr *remote.StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusUnauthorized {
			log.Fatalf("[sync-client] token rejected: %v", err)
		}
		log.Printf("[sync-client] disconnected: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second): // auto reconnect
		}
	}
}

func run(ctx context.Context, client *remote.Client, pretty bool) error {
	conn, err := client.DialEvents(ctx, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", client.BaseURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log.Printf("[sync-client] connected to %s", client.BaseURL)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !pretty {
			fmt.Println(string(msg))
			continue
		}

		var ev sync.LibraryEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			// not an event? print raw
			fmt.Println(string(msg))
			continue
		}

		b, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Println(string(b))
	}
}
