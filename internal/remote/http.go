package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"mediahub/internal/persist"
	"mediahub/internal/sync"
	"mediahub/pkg/models"
)

const deviceHeader = sync.DeviceHeader

var _ persist.RemoteStore = (*HTTPStore)(nil)

// HTTPStore is the API server's copy of the library, reached with the
// client's token. Change notifications arrive over /ws.
type HTTPStore struct {
	client *Client
	dialer *websocket.Dialer
	log    *slog.Logger

	// ReconnectMax caps the wait between websocket reconnects.
	ReconnectMax time.Duration
}

func NewHTTPStore(client *Client, logger *slog.Logger) *HTTPStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPStore{
		client:       client,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:          logger,
		ReconnectMax: 30 * time.Second,
	}
}

func (s *HTTPStore) FetchAll(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot
	if err := s.client.doJSON(ctx, http.MethodGet, "/users/library", nil, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: fetch: %w", persist.ErrSyncUnavailable, err)
	}
	return snap, nil
}

func (s *HTTPStore) PushAll(ctx context.Context, snap models.Snapshot) (models.Snapshot, error) {
	var merged models.Snapshot
	if err := s.client.doJSON(ctx, http.MethodPut, "/users/library", snap, &merged); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: push: %w", persist.ErrSyncUnavailable, err)
	}
	return merged, nil
}

// Watch keeps a websocket open until ctx is done, reconnecting with
// backoff. Events pushed by this device are skipped. Every (re)connect
// counts as a change, since anything before the welcome was not seen.
func (s *HTTPStore) Watch(ctx context.Context, onChange func()) error {
	if _, err := websocketURL(s.client.BaseURL, "/ws"); err != nil {
		return fmt.Errorf("websocket url: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		err := s.watchOnce(ctx, func() {
			bo.Reset()
			onChange()
		}, onChange)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusUnauthorized {
			return backoff.Permanent(err)
		}

		wait := bo.NextBackOff()
		s.log.Warn("library_watch_disconnected", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *HTTPStore) watchOnce(ctx context.Context, onConnect, onChange func()) error {
	conn, err := s.client.DialEvents(ctx, s.dialer)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev sync.LibraryEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.Debug("library_watch_bad_event", "err", err)
			continue
		}
		if ev.Type == sync.EventWelcome {
			onConnect()
			continue
		}
		if ev.Type != sync.EventLibraryChanged {
			continue
		}
		if ev.DeviceID != "" && ev.DeviceID == s.client.DeviceID {
			continue
		}
		onChange()
	}
}
