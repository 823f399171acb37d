package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/clawdeck/internal/platform"
)

// envelope is the Socket Mode frame wrapper.
type envelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason"` // for disconnect frames
}

type envelopeAck struct {
	EnvelopeID string `json:"envelope_id"`
}

// eventsPayload is the slice of an events_api payload we consume.
type eventsPayload struct {
	Event struct {
		Type     string `json:"type"`
		SubType  string `json:"subtype"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
		Channel  string `json:"channel"`
		EventTS  string `json:"event_ts"`
		Files    []struct {
			ID string `json:"id"`
		} `json:"files"`
		Item struct {
			Channel string `json:"channel"`
			TS      string `json:"ts"`
		} `json:"item"`
		Reaction string `json:"reaction"`
	} `json:"event"`
}

// runSocket owns the Socket Mode connection for the adapter's lifetime. Each
// disconnect triggers a fresh apps.connections.open with exponential backoff.
func (a *Adapter) runSocket(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			if a.maxAttempts > 0 && attempt > a.maxAttempts {
				a.emit(platform.Event{Type: platform.EventError,
					Err: fmt.Errorf("socket mode: giving up after %d attempts", attempt-1)})
				return
			}
			a.emit(platform.Event{Type: platform.EventReconnecting, Attempt: attempt})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(a.backoffBase, attempt)):
			}
		}
		attempt++

		wsURL, err := a.client.connectionsOpen(ctx)
		if err != nil {
			a.log.Warn("socket mode open failed", "error", err, "attempt", attempt)
			continue
		}

		err = a.readLoop(ctx, wsURL, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.log.Warn("socket mode connection lost", "error", err)
		}
		a.emit(platform.Event{Type: platform.EventDisconnected})
	}
}

// readLoop dials one Socket Mode connection and pumps envelopes until it
// drops. A nil return means Slack asked for a refresh (disconnect frame).
// onConnect fires once the connection is established, resetting the
// reconnect budget.
func (a *Adapter) readLoop(ctx context.Context, wsURL string, onConnect func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial socket mode: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	onConnect()
	a.emit(platform.Event{Type: platform.EventConnected})

	// Pings keep intermediaries from idling out the connection.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(a.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(pingCtx, a.heartbeatTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					conn.Close(websocket.StatusGoingAway, "ping timeout")
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.log.Debug("unparseable socket frame", "error", err)
			continue
		}

		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(envelopeAck{EnvelopeID: env.EnvelopeID})
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, ack)
			wcancel()
			if err != nil {
				return fmt.Errorf("ack envelope: %w", err)
			}
		}

		switch env.Type {
		case "hello":
		case "disconnect":
			a.log.Info("socket mode refresh requested", "reason", env.Reason)
			return nil
		case "events_api":
			a.dispatchEvent(env.Payload)
		}
	}
}

func (a *Adapter) dispatchEvent(raw json.RawMessage) {
	var p eventsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		a.log.Debug("unparseable events_api payload", "error", err)
		return
	}
	ev := p.Event

	switch ev.Type {
	case "message":
		// Edits, deletions and bot echoes carry subtypes we don't handle.
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		if ev.BotID != "" || ev.User == a.bot.ID {
			return
		}
		post := &platform.Post{
			ID:         ev.TS,
			PlatformID: a.ID(),
			ChannelID:  ev.Channel,
			UserID:     ev.User,
			Message:    ev.Text,
			RootID:     threadRoot(ev.TS, ev.ThreadTS),
			CreatedAt:  tsTime(ev.TS),
		}
		for _, f := range ev.Files {
			post.FileIDs = append(post.FileIDs, f.ID)
		}
		a.rememberChannel(ev.TS, ev.Channel)
		a.emit(platform.Event{Type: platform.EventMessage, Post: post})

	case "app_mention":
		// The matching "message" event carries the same TS; mention events
		// would duplicate it.

	case "reaction_added", "reaction_removed":
		if ev.User == a.bot.ID {
			return
		}
		typ := platform.EventReaction
		if ev.Type == "reaction_removed" {
			typ = platform.EventReactionRemoved
		}
		a.emit(platform.Event{Type: typ, Reaction: &platform.Reaction{
			UserID:    ev.User,
			PostID:    ev.Item.TS,
			EmojiName: ev.Reaction,
			CreatedAt: tsTime(ev.EventTS),
		}})
	}
}

// threadRoot maps Slack's thread_ts convention onto RootID: a post whose
// thread_ts equals its own ts is the thread root, not a reply.
func threadRoot(ts, threadTS string) string {
	if threadTS == "" || threadTS == ts {
		return ""
	}
	return threadTS
}

// tsTime converts a Slack ts ("1700000000.123456") to a time.Time.
func tsTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*1000)
}

// backoff returns the delay before reconnect attempt n (1-based), doubling
// from base and capped at 30s.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
