package bootrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/zipper-works/zipper/internal/sanitize"
	"github.com/zipper-works/zipper/internal/store"
)

const (
	maxEventLine    = 1 << 20
	maxEventKind    = 64
	eventPersistTTL = 10 * time.Second

	tailWriteWait = 10 * time.Second
	tailPingEvery = 54 * time.Second
)

// eventLine is one NDJSON telemetry record reported by the sandbox host.
type eventLine struct {
	DeploymentID string          `json:"deployment_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
}

// handleEvents ingests gzip NDJSON telemetry. The response is sent as soon
// as the body is parsed; persistence happens in the background so a slow
// disk never backs up the sandbox host. Malformed lines are logged and
// dropped, never failing the batch.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			// Telemetry must never fail the call: a batch that is not
			// valid gzip is dropped whole, like any malformed line.
			s.logger.Debug().Err(err).Msg("events: dropped malformed gzip batch")
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accepted": 0})
			return
		}
		defer gz.Close()
		body = gz
	}

	var events []store.Event
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev eventLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Debug().Err(err).Str("line", sanitize.TruncateUTF8(line, 200)).Msg("events: dropped malformed line")
			continue
		}
		ev.Kind = sanitize.TrimToRunes(ev.Kind, maxEventKind)
		dep, err := ParseDeploymentID(ev.DeploymentID)
		if err != nil || ev.Kind == "" {
			s.logger.Debug().Str("deployment_id", ev.DeploymentID).Msg("events: dropped incomplete line")
			continue
		}
		events = append(events, store.Event{
			AppID:        dep.AppID,
			DeploymentID: ev.DeploymentID,
			Kind:         ev.Kind,
			Payload:      string(ev.Payload),
			CreatedAt:    time.Now().UTC(),
		})
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn().Err(err).Msg("events: body truncated")
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accepted": len(events)})

	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		s.broker.Publish(ev)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventPersistTTL)
		defer cancel()
		if err := s.store.InsertEvents(ctx, events); err != nil {
			s.logger.Error().Err(err).Int("count", len(events)).Msg("events: persist")
		}
	}()
}

// The RPC service is consumed service-to-service, not from browsers, so
// upgrade requests are not origin-filtered.
var tailUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type tailMessage struct {
	ID           string          `json:"id"`
	DeploymentID string          `json:"deployment_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// handleLogTail streams an app's incoming telemetry events over a
// websocket until the client goes away.
func (s *Service) handleLogTail(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "missing app id")
		return
	}

	conn, err := tailUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("log tail: upgrade failed")
		return
	}

	sub := s.broker.Subscribe(appID)

	// Reader only detects the peer closing; inbound frames are ignored.
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(tailPingEvery)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			msg := tailMessage{
				ID:           ev.ID,
				DeploymentID: ev.DeploymentID,
				Kind:         ev.Kind,
				Payload:      json.RawMessage(ev.Payload),
				CreatedAt:    ev.CreatedAt,
			}
			conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
