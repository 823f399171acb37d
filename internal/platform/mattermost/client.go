// Package mattermost implements the platform adapter for Mattermost using
// the REST v4 API and its WebSocket event stream.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client is a minimal Mattermost REST v4 client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a REST client for the given server.
func NewClient(serverURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(serverURL, "/") + "/api/v4",
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
}

// apiError is Mattermost's error envelope.
type apiError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
			return fmt.Errorf("%s %s: %s", method, path, ae.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// mmPost is the wire shape of a post.
type mmPost struct {
	ID        string   `json:"id"`
	ChannelID string   `json:"channel_id"`
	UserID    string   `json:"user_id"`
	Message   string   `json:"message"`
	RootID    string   `json:"root_id"`
	FileIDs   []string `json:"file_ids,omitempty"`
	CreateAt  int64    `json:"create_at"`
}

// postList is Mattermost's ordered post collection.
type postList struct {
	Order []string          `json:"order"`
	Posts map[string]mmPost `json:"posts"`
}

type mmUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

type mmFileInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	Extension string `json:"extension"`
}

func (c *Client) me(ctx context.Context) (*mmUser, error) {
	var u mmUser
	if err := c.call(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) user(ctx context.Context, id string) (*mmUser, error) {
	var u mmUser
	if err := c.call(ctx, http.MethodGet, "/users/"+id, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) userByUsername(ctx context.Context, username string) (*mmUser, error) {
	var u mmUser
	if err := c.call(ctx, http.MethodGet, "/users/username/"+username, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) createPost(ctx context.Context, channelID, rootID, message string) (*mmPost, error) {
	var p mmPost
	err := c.call(ctx, http.MethodPost, "/posts", map[string]any{
		"channel_id": channelID,
		"root_id":    rootID,
		"message":    message,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) patchPost(ctx context.Context, postID, message string) error {
	return c.call(ctx, http.MethodPut, "/posts/"+postID+"/patch",
		map[string]any{"message": message}, nil)
}

func (c *Client) getPost(ctx context.Context, postID string) (*mmPost, error) {
	var p mmPost
	if err := c.call(ctx, http.MethodGet, "/posts/"+postID, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) deletePost(ctx context.Context, postID string) error {
	return c.call(ctx, http.MethodDelete, "/posts/"+postID, nil, nil)
}

func (c *Client) pinPost(ctx context.Context, postID string) error {
	return c.call(ctx, http.MethodPost, "/posts/"+postID+"/pin", nil, nil)
}

func (c *Client) unpinPost(ctx context.Context, postID string) error {
	return c.call(ctx, http.MethodPost, "/posts/"+postID+"/unpin", nil, nil)
}

func (c *Client) pinnedPosts(ctx context.Context, channelID string) (*postList, error) {
	var pl postList
	if err := c.call(ctx, http.MethodGet, "/channels/"+channelID+"/pinned", nil, &pl); err != nil {
		return nil, err
	}
	return &pl, nil
}

func (c *Client) thread(ctx context.Context, rootID string) (*postList, error) {
	var pl postList
	if err := c.call(ctx, http.MethodGet, "/posts/"+rootID+"/thread", nil, &pl); err != nil {
		return nil, err
	}
	return &pl, nil
}

func (c *Client) addReaction(ctx context.Context, userID, postID, emoji string) error {
	err := c.call(ctx, http.MethodPost, "/reactions", map[string]any{
		"user_id":    userID,
		"post_id":    postID,
		"emoji_name": emoji,
	}, nil)
	if err != nil && strings.Contains(err.Error(), "exists") {
		return nil
	}
	return err
}

func (c *Client) removeReaction(ctx context.Context, userID, postID, emoji string) error {
	return c.call(ctx, http.MethodDelete,
		"/users/"+userID+"/posts/"+postID+"/reactions/"+emoji, nil, nil)
}

func (c *Client) fileInfo(ctx context.Context, fileID string) (*mmFileInfo, error) {
	var fi mmFileInfo
	if err := c.call(ctx, http.MethodGet, "/files/"+fileID+"/info", nil, &fi); err != nil {
		return nil, err
	}
	return &fi, nil
}

func (c *Client) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID, nil)
	if err != nil {
		return nil, fmt.Errorf("build download: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fileID, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
