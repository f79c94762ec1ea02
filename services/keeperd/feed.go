package keeperd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"

	"formicarium/core/events"
)

const wsWriteTimeout = 10 * time.Second

// errFeedLagged reports that the stream dropped a subscriber that fell a full
// buffer behind.
var errFeedLagged = errors.New("keeperd: feed subscriber lagged")

type feedPayload struct {
	Cursor     string            `json:"cursor"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// handleEvents upgrades to a websocket and streams lifecycle events after the
// optional cursor, filtered by the optional printer and type query values.
// Clients reconnect with the last cursor they saw to recover missed entries.
func (s *AdminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	var filters []events.Filter
	if raw := strings.TrimSpace(query.Get("printer")); raw != "" {
		if !common.IsHexAddress(raw) {
			http.Error(w, "invalid printer", http.StatusBadRequest)
			return
		}
		filters = append(filters, events.ForPrinter(common.HexToAddress(raw)))
	}
	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		filters = append(filters, events.OfType(strings.Split(raw, ",")...))
	}
	cursor := strings.TrimSpace(query.Get("cursor"))
	if cursor != "" {
		if _, err := strconv.ParseUint(cursor, 10, 64); err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	err = s.streamEvents(ctx, conn, cursor, events.All(filters...))
	switch {
	case err == nil:
	case errors.Is(err, errFeedLagged):
		_ = conn.Close(websocket.StatusTryAgainLater, "lagged; reconnect with last cursor")
	case websocket.CloseStatus(err) == -1:
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (s *AdminServer) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string, filter events.Filter) error {
	updates, cancel, backlog, err := s.feed.Subscribe(ctx, cursor, filter)
	if err != nil {
		return err
	}
	defer cancel()

	for _, entry := range backlog {
		if err := writeFeedEntry(ctx, conn, entry); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errFeedLagged
			}
			if err := writeFeedEntry(ctx, conn, entry); err != nil {
				return err
			}
		}
	}
}

func writeFeedEntry(ctx context.Context, conn *websocket.Conn, entry events.StreamEntry) error {
	payload := feedPayload{
		Cursor:     entry.Cursor,
		Timestamp:  entry.Timestamp,
		Type:       entry.Event.Type,
		Attributes: entry.Event.Attributes,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
