package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"

	"github.com/schedrelay/schedrelay/internal/httpapi"
	"github.com/schedrelay/schedrelay/internal/schedrelay"
)

type appConfig struct {
	Addr            string        `env:"SCHEDRELAY_ADDR" envDefault:":8080"`
	SourceToken     string        `env:"SCHEDRELAY_SOURCE_TOKEN"`
	SourceBaseURL   string        `env:"SCHEDRELAY_SOURCE_BASE_URL"`
	ChatToken       string        `env:"SCHEDRELAY_CHAT_TOKEN"`
	ChatBaseURL     string        `env:"SCHEDRELAY_CHAT_BASE_URL"`
	ConfigDSN       string        `env:"SCHEDRELAY_CONFIG_DSN" envDefault:".schedrelay/tenants.json"`
	BindingDSN      string        `env:"SCHEDRELAY_BINDING_DSN" envDefault:".schedrelay/bindings.json"`
	AdminToken      string        `env:"SCHEDRELAY_ADMIN_TOKEN"`
	RateLimitMax    int           `env:"SCHEDRELAY_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow time.Duration `env:"SCHEDRELAY_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"SCHEDRELAY_MAX_BODY_BYTES" envDefault:"0"`
	RefreshCron     string        `env:"SCHEDRELAY_REFRESH_CRON"`
	GatewayEnabled  bool          `env:"SCHEDRELAY_GATEWAY_ENABLED" envDefault:"false"`
	GatewayURL      string        `env:"SCHEDRELAY_GATEWAY_URL"`
	WatchConfig     bool          `env:"SCHEDRELAY_WATCH_CONFIG" envDefault:"false"`
}

func main() {
	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment: %v", err)
	}
	if strings.TrimSpace(cfg.SourceToken) == "" {
		log.Fatalf("SCHEDRELAY_SOURCE_TOKEN is required")
	}
	if strings.TrimSpace(cfg.ChatToken) == "" {
		log.Fatalf("SCHEDRELAY_CHAT_TOKEN is required")
	}

	syncer, err := buildSyncer(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	ctx := context.Background()

	if cfg.RefreshCron != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(cfg.RefreshCron, func() { syncer.RefreshAll(ctx) }); err != nil {
			log.Fatalf("invalid SCHEDRELAY_REFRESH_CRON %q: %v", cfg.RefreshCron, err)
		}
		scheduler.Start()
		log.Printf("scheduled refresh enabled: %s", cfg.RefreshCron)
	}

	if cfg.WatchConfig {
		if path := fileDSNPath(cfg.ConfigDSN); path != "" {
			go func() {
				if err := schedrelay.WatchConfigFile(ctx, path, syncer.Configs()); err != nil && ctx.Err() == nil {
					log.Printf("config watch stopped: %v", err)
				}
			}()
		} else {
			log.Printf("SCHEDRELAY_WATCH_CONFIG set but config store is not file-backed, skipping watch")
		}
	}

	if cfg.GatewayEnabled {
		chat := newChatClient(cfg)
		gateway, err := schedrelay.NewGateway(schedrelay.GatewayOptions{
			URL:      cfg.GatewayURL,
			BotToken: cfg.ChatToken,
			Handler:  commandHandler(syncer, chat),
		})
		if err != nil {
			log.Fatalf("failed to initialize gateway: %v", err)
		}
		go func() {
			if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("gateway stopped: %v", err)
			}
		}()
		log.Printf("gateway listener enabled")
	}

	server := httpapi.NewServerWithConfig(syncer, httpapi.ServerConfig{
		AdminToken:      cfg.AdminToken,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})
	log.Printf("schedrelay listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildSyncer(cfg appConfig) (*schedrelay.Syncer, error) {
	configBackend, err := schedrelay.BuildDocumentBackendFromDSN(cfg.ConfigDSN, "tenants")
	if err != nil {
		return nil, fmt.Errorf("config backend: %w", err)
	}
	bindingBackend, err := schedrelay.BuildDocumentBackendFromDSN(cfg.BindingDSN, "bindings")
	if err != nil {
		return nil, fmt.Errorf("binding backend: %w", err)
	}
	source := schedrelay.NewHTTPSourceClient(schedrelay.SourceHTTPClientOptions{
		BaseURL: cfg.SourceBaseURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return cfg.SourceToken, nil
		},
	})
	return schedrelay.NewSyncer(schedrelay.SyncerOptions{
		Configs:  schedrelay.NewConfigStore(configBackend),
		Bindings: schedrelay.NewBindingStore(bindingBackend),
		Source:   source,
		Chat:     newChatClient(cfg),
	}), nil
}

func newChatClient(cfg appConfig) *schedrelay.HTTPChatClient {
	return schedrelay.NewHTTPChatClient(schedrelay.ChatHTTPClientOptions{
		BaseURL:  cfg.ChatBaseURL,
		BotToken: cfg.ChatToken,
	})
}

// commandHandler maps a "sync" command interaction onto the pipeline and
// answers through the interaction callback. The tenant's configured
// command channel is the only place the command is honored.
func commandHandler(syncer *schedrelay.Syncer, chat schedrelay.ChatClient) schedrelay.InteractionHandler {
	return func(ctx context.Context, interaction schedrelay.Interaction) {
		if interaction.CommandName != "sync" || interaction.GuildID == "" {
			return
		}
		tenantID := interaction.GuildID
		cfg, ok, err := syncer.Configs().Get(tenantID)
		if err != nil || !ok {
			respond(ctx, chat, interaction, "This server is not set up yet.")
			return
		}
		if cfg.CommandChannelID != "" && cfg.CommandChannelID != interaction.ChannelID {
			respond(ctx, chat, interaction, "Sync commands are not allowed in this channel.")
			return
		}

		scopeArg := interaction.Options["scope"]
		if scopeArg == "" || scopeArg == "all" {
			results, err := syncer.SyncAll(ctx, tenantID)
			respond(ctx, chat, interaction, summarize(results, err))
			return
		}
		scope, valid := schedrelay.ParseScope(scopeArg)
		if !valid {
			respond(ctx, chat, interaction, "Unknown scope: "+scopeArg)
			return
		}
		result, err := syncer.SyncScope(ctx, tenantID, scope, interaction.Options["month"])
		respond(ctx, chat, interaction, summarize([]schedrelay.SyncResult{result}, err))
	}
}

func respond(ctx context.Context, chat schedrelay.ChatClient, interaction schedrelay.Interaction, content string) {
	if err := chat.RespondInteraction(ctx, interaction.ID, interaction.Token, content); err != nil {
		log.Printf("interaction response failed: %v", err)
	}
}

func summarize(results []schedrelay.SyncResult, err error) string {
	if err != nil {
		if schedrelay.IsSourceNotFound(err) {
			return "The source database could not be found. Share it with the integration and try again."
		}
		return "Sync failed: " + err.Error()
	}
	total := 0
	for _, result := range results {
		total += result.Published
	}
	return fmt.Sprintf("Synced %d scope(s), %d event(s) published.", len(results), total)
}

func fileDSNPath(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "":
		return dsn
	case "file":
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		if path == "" {
			path = parsed.Host
		}
		return path
	default:
		return ""
	}
}
