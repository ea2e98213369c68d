package schedrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatAPIError is a non-2xx response from the chat API.
type ChatAPIError struct {
	Status  int
	Code    int
	Message string
}

func (e *ChatAPIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("chat request failed: status=%d code=%d message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chat request failed: status=%d message=%s", e.Status, e.Message)
}

// Channel is a destination channel or thread.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GuildID string `json:"guild_id"`
	Type    int    `json:"type"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// MessagePayload is the writable part of a destination message. Content is
// always serialized so an edit can clear prior placeholder text.
type MessagePayload struct {
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

type Message struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	Content   string  `json:"content"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

// ChatClient is the destination surface the upsert protocol needs: resolve
// a thread, create, fetch, and edit a message. RespondInteraction serves
// the gateway command flow.
type ChatClient interface {
	Channel(ctx context.Context, channelID string) (Channel, error)
	CreateMessage(ctx context.Context, channelID string, payload MessagePayload) (Message, error)
	Message(ctx context.Context, channelID, messageID string) (Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, payload MessagePayload) (Message, error)
	RespondInteraction(ctx context.Context, interactionID, interactionToken, content string) error
}

type ChatHTTPClientOptions struct {
	BaseURL    string
	BotToken   string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPChatClient struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPChatClient(opts ChatHTTPClientOptions) *HTTPChatClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPChatClient{
		baseURL:    baseURL,
		botToken:   strings.TrimSpace(opts.BotToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPChatClient) Channel(ctx context.Context, channelID string) (Channel, error) {
	var channel Channel
	err := c.doJSON(ctx, http.MethodGet, "/channels/"+channelID, nil, &channel)
	return channel, err
}

func (c *HTTPChatClient) CreateMessage(ctx context.Context, channelID string, payload MessagePayload) (Message, error) {
	var message Message
	err := c.doJSON(ctx, http.MethodPost, "/channels/"+channelID+"/messages", payload, &message)
	return message, err
}

func (c *HTTPChatClient) Message(ctx context.Context, channelID, messageID string) (Message, error) {
	var message Message
	err := c.doJSON(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, &message)
	return message, err
}

func (c *HTTPChatClient) EditMessage(ctx context.Context, channelID, messageID string, payload MessagePayload) (Message, error) {
	var message Message
	err := c.doJSON(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, payload, &message)
	return message, err
}

func (c *HTTPChatClient) RespondInteraction(ctx context.Context, interactionID, interactionToken, content string) error {
	body := map[string]any{
		"type": 4,
		"data": map[string]any{"content": content},
	}
	return c.doJSON(ctx, http.MethodPost, "/interactions/"+interactionID+"/"+interactionToken+"/callback", body, nil)
}

func (c *HTTPChatClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("chat http client is nil")
	}
	if c.botToken == "" {
		return fmt.Errorf("chat bot token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.botToken)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, retryDelay(c.baseDelay, c.maxDelay, attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(respBody) > 0 {
				return json.Unmarshal(respBody, out)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, retryDelay(c.baseDelay, c.maxDelay, attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return parseChatError(resp.StatusCode, respBody)
	}
}

func parseChatError(status int, respBody []byte) *ChatAPIError {
	apiErr := &ChatAPIError{
		Status:  status,
		Message: strings.TrimSpace(string(respBody)),
	}
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(respBody, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}
