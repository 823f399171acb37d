package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawdeck/internal/platform"
)

// wsFrame is an inbound WebSocket event or response.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Seq   int64           `json:"seq"`
	// Responses to our requests.
	Status   string `json:"status"`
	SeqReply int64  `json:"seq_reply"`
}

// wsRequest is an outbound action frame.
type wsRequest struct {
	Seq    int64          `json:"seq"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// wsConn is one authenticated WebSocket connection.
type wsConn struct {
	conn *websocket.Conn

	mu  sync.Mutex // guards writes; gorilla allows one writer
	seq int64
}

func (w *wsConn) send(action string, data map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	return w.conn.WriteJSON(wsRequest{Seq: w.seq, Action: action, Data: data})
}

// wsURL derives the WebSocket endpoint from the server URL.
func wsURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/v4/websocket"
}

// runWS owns the event connection for the adapter's lifetime, reconnecting
// with exponential backoff.
func (a *Adapter) runWS(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			if a.maxAttempts > 0 && attempt > a.maxAttempts {
				a.emit(platform.Event{Type: platform.EventError,
					Err: fmt.Errorf("websocket: giving up after %d attempts", attempt-1)})
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

		err := a.readLoop(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.log.Warn("websocket connection lost", "error", err)
		}
		a.emit(platform.Event{Type: platform.EventDisconnected})
	}
}

// readLoop dials, authenticates and pumps events until the connection drops.
// onConnect fires once authenticated, resetting the reconnect budget.
func (a *Adapter) readLoop(ctx context.Context, onConnect func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL(a.opts.Config.ServerURL), http.Header{
		"Authorization": {"Bearer " + a.opts.Config.Token},
	})
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	if err := ws.send("authentication_challenge", map[string]any{"token": a.opts.Config.Token}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.ws == ws {
			a.ws = nil
		}
		a.mu.Unlock()
	}()

	onConnect()
	a.emit(platform.Event{Type: platform.EventConnected})

	// Heartbeats: pings on an interval, read deadline advanced by pongs.
	conn.SetReadDeadline(time.Now().Add(a.heartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.heartbeatTimeout))
	})
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
				ws.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				ws.mu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	// Unblock ReadMessage on cancellation.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.log.Debug("unparseable websocket frame", "error", err)
			continue
		}
		if frame.Event != "" {
			a.dispatchEvent(frame.Event, frame.Data)
		}
	}
}

// Event payloads carry the post/reaction as a JSON-encoded string.
type postedData struct {
	Post string `json:"post"`
}

type reactionData struct {
	Reaction string `json:"reaction"`
}

type mmReaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
	CreateAt  int64  `json:"create_at"`
}

func (a *Adapter) dispatchEvent(event string, data json.RawMessage) {
	switch event {
	case "posted":
		var pd postedData
		if err := json.Unmarshal(data, &pd); err != nil {
			return
		}
		var p mmPost
		if err := json.Unmarshal([]byte(pd.Post), &p); err != nil {
			a.log.Debug("unparseable posted event", "error", err)
			return
		}
		if p.UserID == a.botID() {
			return
		}
		a.emit(platform.Event{Type: platform.EventMessage, Post: a.toPost(&p)})

	case "reaction_added", "reaction_removed":
		var rd reactionData
		if err := json.Unmarshal(data, &rd); err != nil {
			return
		}
		var r mmReaction
		if err := json.Unmarshal([]byte(rd.Reaction), &r); err != nil {
			a.log.Debug("unparseable reaction event", "error", err)
			return
		}
		if r.UserID == a.botID() {
			return
		}
		typ := platform.EventReaction
		if event == "reaction_removed" {
			typ = platform.EventReactionRemoved
		}
		a.emit(platform.Event{Type: typ, Reaction: &platform.Reaction{
			UserID:    r.UserID,
			PostID:    r.PostID,
			EmojiName: r.EmojiName,
			CreatedAt: time.UnixMilli(r.CreateAt),
		}})
	}
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
