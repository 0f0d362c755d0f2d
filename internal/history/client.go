package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/parley/chat-relay/internal/protocol"
)

// Client consumes the history service's HTTP API. The message delivery
// pipeline persists through it before relaying.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a history API client for the given base URL
// (e.g. "http://localhost:8081").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateMessage persists a draft and returns the canonical message record.
func (c *Client) CreateMessage(ctx context.Context, chatID, senderID, content string) (protocol.Message, error) {
	body, err := json.Marshal(map[string]string{
		"chat_id":   chatID,
		"sender_id": senderID,
		"content":   content,
	})
	if err != nil {
		return protocol.Message{}, fmt.Errorf("history client: marshal draft: %w", err)
	}

	var msg protocol.Message
	if err := c.do(ctx, http.MethodPost, "/message", "application/json",
		bytes.NewReader(body), http.StatusCreated, &msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// UploadFile persists a file-attachment message and returns the canonical
// record. The filename's base name becomes the message content.
func (c *Client) UploadFile(ctx context.Context, chatID, senderID, filename string, file io.Reader) (protocol.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("chat_id", chatID); err != nil {
		return protocol.Message{}, fmt.Errorf("history client: build form: %w", err)
	}
	if err := mw.WriteField("sender_id", senderID); err != nil {
		return protocol.Message{}, fmt.Errorf("history client: build form: %w", err)
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("history client: build form: %w", err)
	}
	if _, err := io.Copy(fw, file); err != nil {
		return protocol.Message{}, fmt.Errorf("history client: read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return protocol.Message{}, fmt.Errorf("history client: build form: %w", err)
	}

	var msg protocol.Message
	if err := c.do(ctx, http.MethodPost, "/message/file", mw.FormDataContentType(),
		&buf, http.StatusCreated, &msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the chat's messages oldest first.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]protocol.Message, error) {
	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, "/message/"+chatID, "",
		nil, http.StatusOK, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateUser registers a user.
func (c *Client) CreateUser(ctx context.Context, name string) (protocol.User, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	var u protocol.User
	if err := c.do(ctx, http.MethodPost, "/user", "application/json",
		bytes.NewReader(body), http.StatusCreated, &u); err != nil {
		return protocol.User{}, err
	}
	return u, nil
}

// CreateChat creates a chat with the given members.
func (c *Client) CreateChat(ctx context.Context, name string, isGroup bool, userIDs []string) (protocol.Chat, error) {
	body, err := json.Marshal(map[string]interface{}{
		"name":     name,
		"is_group": isGroup,
		"user_ids": userIDs,
	})
	if err != nil {
		return protocol.Chat{}, fmt.Errorf("history client: marshal chat: %w", err)
	}
	var chat protocol.Chat
	if err := c.do(ctx, http.MethodPost, "/chat", "application/json",
		bytes.NewReader(body), http.StatusCreated, &chat); err != nil {
		return protocol.Chat{}, err
	}
	return chat, nil
}

// do issues one request and decodes the expected-status response into out.
// Any other status is returned as an error carrying the service's message.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, wantStatus int, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("history client: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("history client: %s %s: %s (status %d)",
				method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("history client: %s %s: unexpected status %d",
			method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("history client: decode response: %w", err)
	}
	return nil
}
