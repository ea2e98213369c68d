package schedrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const (
	gatewayOpDispatch     = 0
	gatewayOpHeartbeat    = 1
	gatewayOpIdentify     = 2
	gatewayOpHello        = 10
	gatewayOpHeartbeatACK = 11

	gatewayIntentGuilds = 1 << 0
)

// Interaction is the slice of a chat command invocation the sync handler
// needs. Command registration and full option parsing live outside this
// service.
type Interaction struct {
	ID          string
	Token       string
	GuildID     string
	ChannelID   string
	CommandName string
	Options     map[string]string
}

type InteractionHandler func(ctx context.Context, interaction Interaction)

type GatewayOptions struct {
	URL      string
	BotToken string
	Handler  InteractionHandler
}

// Gateway keeps one websocket session to the chat gateway alive and
// forwards command interactions to the handler. It only identifies and
// heartbeats; all event state beyond interactions is ignored.
type Gateway struct {
	url     string
	token   string
	handler InteractionHandler
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	token := strings.TrimSpace(opts.BotToken)
	if token == "" {
		return nil, fmt.Errorf("%w: gateway bot token is empty", ErrInvalidInput)
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	handler := opts.Handler
	if handler == nil {
		handler = func(context.Context, Interaction) {}
	}
	return &Gateway{url: url, token: token, handler: handler}, nil
}

// Run blocks until ctx is done, reconnecting with backoff after session
// failures.
func (g *Gateway) Run(ctx context.Context) error {
	delay := time.Second
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("gateway session ended, reconnecting in %s: %v", delay, err)
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
}

type gatewayFrame struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

func (g *Gateway) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, g.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		_, data, err := conn.Read(sessionCtx)
		if err != nil {
			return err
		}
		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("gateway: dropping undecodable frame: %v", err)
			continue
		}
		switch frame.Op {
		case gatewayOpHello:
			var hello struct {
				HeartbeatInterval int `json:"heartbeat_interval"`
			}
			if err := json.Unmarshal(frame.Data, &hello); err != nil {
				return err
			}
			go g.heartbeatLoop(sessionCtx, conn, time.Duration(hello.HeartbeatInterval)*time.Millisecond)
			if err := g.identify(sessionCtx, conn); err != nil {
				return err
			}
		case gatewayOpHeartbeat:
			if err := writeGatewayFrame(sessionCtx, conn, gatewayFrame{Op: gatewayOpHeartbeat}); err != nil {
				return err
			}
		case gatewayOpHeartbeatACK:
			// nothing to do
		case gatewayOpDispatch:
			if frame.Type == "INTERACTION_CREATE" {
				if interaction, ok := parseInteraction(frame.Data); ok {
					g.handler(ctx, interaction)
				}
			}
		}
	}
}

func (g *Gateway) identify(ctx context.Context, conn *websocket.Conn) error {
	payload := map[string]any{
		"op": gatewayOpIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntentGuilds,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "schedrelay",
				"device":  "schedrelay",
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	if interval <= 0 {
		interval = 40 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeGatewayFrame(ctx, conn, gatewayFrame{Op: gatewayOpHeartbeat}); err != nil {
				return
			}
		}
	}
}

func writeGatewayFrame(ctx context.Context, conn *websocket.Conn, frame gatewayFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func parseInteraction(data json.RawMessage) (Interaction, bool) {
	var raw struct {
		ID        string `json:"id"`
		Token     string `json:"token"`
		GuildID   string `json:"guild_id"`
		ChannelID string `json:"channel_id"`
		Data      struct {
			Name    string `json:"name"`
			Options []struct {
				Name  string `json:"name"`
				Value any    `json:"value"`
			} `json:"options"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Interaction{}, false
	}
	if raw.ID == "" || raw.Data.Name == "" {
		return Interaction{}, false
	}
	interaction := Interaction{
		ID:          raw.ID,
		Token:       raw.Token,
		GuildID:     raw.GuildID,
		ChannelID:   raw.ChannelID,
		CommandName: raw.Data.Name,
		Options:     map[string]string{},
	}
	for _, opt := range raw.Data.Options {
		interaction.Options[opt.Name] = fmt.Sprint(opt.Value)
	}
	return interaction, true
}
