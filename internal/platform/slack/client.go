// Package slack implements the platform adapter for Slack using the Web API
// over REST and Socket Mode over WebSocket.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const apiBase = "https://slack.com/api"

// Client is a minimal Slack Web API client. Write calls go through a rate
// limiter; 429 responses honour Retry-After with a bounded retry count.
type Client struct {
	botToken   string
	appToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewClient builds a Web API client.
func NewClient(botToken, appToken string) *Client {
	return &Client{
		botToken:   botToken,
		appToken:   appToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		// Slack tier-3 methods allow ~50 requests/min per channel.
		limiter:    rate.NewLimiter(rate.Every(1200*time.Millisecond), 5),
		maxRetries: 5,
	}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// callJSON posts a JSON body and decodes the response into out (which should
// embed apiResponse semantics via its own ok/error fields).
func (c *Client) callJSON(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	return c.do(ctx, method, "application/json; charset=utf-8", func() io.Reader {
		return bytes.NewReader(payload)
	}, c.botToken, out)
}

// callForm posts a form-encoded body.
func (c *Client) callForm(ctx context.Context, method string, form url.Values, out any) error {
	encoded := form.Encode()
	return c.do(ctx, method, "application/x-www-form-urlencoded", func() io.Reader {
		return strings.NewReader(encoded)
	}, c.botToken, out)
}

// callApp posts with the app-level token (Socket Mode management).
func (c *Client) callApp(ctx context.Context, method string, out any) error {
	return c.do(ctx, method, "application/x-www-form-urlencoded", func() io.Reader {
		return strings.NewReader("")
	}, c.appToken, out)
}

func (c *Client) do(ctx context.Context, method, contentType string, body func() io.Reader, token string, out any) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method, body())
		if err != nil {
			return fmt.Errorf("build %s: %w", method, err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if attempt >= c.maxRetries {
				return fmt.Errorf("%s: rate limited after %d retries", method, attempt)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryAfter):
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", method, err)
		}

		var base apiResponse
		if err := json.Unmarshal(data, &base); err != nil {
			return fmt.Errorf("parse %s: %w", method, err)
		}
		if !base.OK {
			return fmt.Errorf("%s: %s", method, base.Error)
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode %s: %w", method, err)
			}
		}
		return nil
	}
}

func parseRetryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 2 * time.Second
}

// ---- typed calls ----

type authTestResponse struct {
	UserID string `json:"user_id"`
	User   string `json:"user"`
	BotID  string `json:"bot_id"`
}

func (c *Client) authTest(ctx context.Context) (*authTestResponse, error) {
	var out authTestResponse
	if err := c.callForm(ctx, "auth.test", url.Values{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type connectionsOpenResponse struct {
	URL string `json:"url"`
}

func (c *Client) connectionsOpen(ctx context.Context) (string, error) {
	var out connectionsOpenResponse
	if err := c.callApp(ctx, "apps.connections.open", &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

type messageResponse struct {
	TS      string `json:"ts"`
	Channel string `json:"channel"`
}

func (c *Client) postMessage(ctx context.Context, channel, threadTS, text string) (*messageResponse, error) {
	body := map[string]any{"channel": channel, "text": text}
	if threadTS != "" {
		body["thread_ts"] = threadTS
	}
	var out messageResponse
	if err := c.callJSON(ctx, "chat.postMessage", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) updateMessage(ctx context.Context, channel, ts, text string) error {
	return c.callJSON(ctx, "chat.update", map[string]any{
		"channel": channel, "ts": ts, "text": text,
	}, nil)
}

func (c *Client) deleteMessage(ctx context.Context, channel, ts string) error {
	return c.callJSON(ctx, "chat.delete", map[string]any{"channel": channel, "ts": ts}, nil)
}

type slackMessage struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Channel  string `json:"channel"`
	Files    []struct {
		ID string `json:"id"`
	} `json:"files"`
}

type repliesResponse struct {
	Messages []slackMessage `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

func (c *Client) conversationReplies(ctx context.Context, channel, ts string, limit int) ([]slackMessage, error) {
	form := url.Values{
		"channel": {channel},
		"ts":      {ts},
		"limit":   {strconv.Itoa(limit)},
	}
	var out repliesResponse
	if err := c.callForm(ctx, "conversations.replies", form, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) addReaction(ctx context.Context, channel, ts, name string) error {
	err := c.callJSON(ctx, "reactions.add", map[string]any{
		"channel": channel, "timestamp": ts, "name": name,
	}, nil)
	// Repeated seeds are fine.
	if err != nil && strings.Contains(err.Error(), "already_reacted") {
		return nil
	}
	return err
}

func (c *Client) removeReaction(ctx context.Context, channel, ts, name string) error {
	return c.callJSON(ctx, "reactions.remove", map[string]any{
		"channel": channel, "timestamp": ts, "name": name,
	}, nil)
}

func (c *Client) pin(ctx context.Context, channel, ts string) error {
	return c.callJSON(ctx, "pins.add", map[string]any{"channel": channel, "timestamp": ts}, nil)
}

func (c *Client) unpin(ctx context.Context, channel, ts string) error {
	return c.callJSON(ctx, "pins.remove", map[string]any{"channel": channel, "timestamp": ts}, nil)
}

type pinsListResponse struct {
	Items []struct {
		Message *slackMessage `json:"message"`
	} `json:"items"`
}

func (c *Client) pinsList(ctx context.Context, channel string) ([]slackMessage, error) {
	var out pinsListResponse
	if err := c.callForm(ctx, "pins.list", url.Values{"channel": {channel}}, &out); err != nil {
		return nil, err
	}
	msgs := make([]slackMessage, 0, len(out.Items))
	for _, item := range out.Items {
		if item.Message != nil {
			msgs = append(msgs, *item.Message)
		}
	}
	return msgs, nil
}

type slackUser struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Profile struct {
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
		Email       string `json:"email"`
	} `json:"profile"`
}

type userInfoResponse struct {
	User slackUser `json:"user"`
}

func (c *Client) userInfo(ctx context.Context, id string) (*slackUser, error) {
	var out userInfoResponse
	if err := c.callForm(ctx, "users.info", url.Values{"user": {id}}, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

type usersListResponse struct {
	Members []slackUser `json:"members"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (c *Client) lookupByUsername(ctx context.Context, username string) (*slackUser, error) {
	cursor := ""
	for {
		form := url.Values{"limit": {"200"}}
		if cursor != "" {
			form.Set("cursor", cursor)
		}
		var out usersListResponse
		if err := c.callForm(ctx, "users.list", form, &out); err != nil {
			return nil, err
		}
		for i := range out.Members {
			u := &out.Members[i]
			if u.Name == username || u.Profile.DisplayName == username {
				return u, nil
			}
		}
		cursor = out.ResponseMetadata.NextCursor
		if cursor == "" {
			return nil, fmt.Errorf("user %q not found", username)
		}
	}
}

type slackFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Mimetype   string `json:"mimetype"`
	Filetype   string `json:"filetype"`
	URLPrivate string `json:"url_private"`
}

type fileInfoResponse struct {
	File slackFile `json:"file"`
}

func (c *Client) fileInfo(ctx context.Context, id string) (*slackFile, error) {
	var out fileInfoResponse
	if err := c.callForm(ctx, "files.info", url.Values{"file": {id}}, &out); err != nil {
		return nil, err
	}
	return &out.File, nil
}

// downloadFile fetches a file's bytes via its url_private.
func (c *Client) downloadFile(ctx context.Context, f *slackFile) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URLPrivate, nil)
	if err != nil {
		return nil, fmt.Errorf("build download: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.botToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", f.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", f.ID, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
