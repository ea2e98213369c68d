package schedrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const placeholderContent = "Setting up the schedule board…"

// SyncResult reports one scope's publish outcome, including the silent
// skip branches so callers can observe degradation.
type SyncResult struct {
	Scope          Scope  `json:"scope"`
	MonthKey       string `json:"monthKey"`
	Published      int    `json:"published"`
	SkippedNoDate  int    `json:"skippedNoDate"`
	UnresolvedRefs int    `json:"unresolvedRefs"`
}

type SyncerOptions struct {
	Configs  *ConfigStore
	Bindings *BindingStore
	Source   SourceClient
	Chat     ChatClient
	Now      func() time.Time
}

// Syncer runs the pipeline end to end: window query, reference
// resolution, render, destination upsert. One publish at a time; the
// mutex is what keeps binding read-modify-writes from racing.
type Syncer struct {
	mu       sync.Mutex
	configs  *ConfigStore
	bindings *BindingStore
	source   SourceClient
	chat     ChatClient
	now      func() time.Time
}

func NewSyncer(opts SyncerOptions) *Syncer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	configs := opts.Configs
	if configs == nil {
		configs = NewConfigStore(nil)
	}
	bindings := opts.Bindings
	if bindings == nil {
		bindings = NewBindingStore(nil)
	}
	return &Syncer{
		configs:  configs,
		bindings: bindings,
		source:   opts.Source,
		chat:     opts.Chat,
		now:      now,
	}
}

func (s *Syncer) Configs() *ConfigStore   { return s.configs }
func (s *Syncer) Bindings() *BindingStore { return s.bindings }

// SyncScope publishes one scope for one tenant. An empty monthKey derives
// the month from the wall clock and the scope. An unconfigured scope
// thread is a no-op returning zero, not an error.
func (s *Syncer) SyncScope(ctx context.Context, tenantID string, scope Scope, monthKey string) (SyncResult, error) {
	result := SyncResult{Scope: scope}
	cfg, ok, err := s.configs.Get(tenantID)
	if err != nil {
		return result, err
	}
	if !ok || cfg == nil {
		return result, fmt.Errorf("%w: tenant %s is not set up", ErrConfigIncomplete, tenantID)
	}
	if cfg.DatabaseID == "" {
		return result, fmt.Errorf("%w: tenant %s has no source database id", ErrConfigIncomplete, tenantID)
	}
	monthKey, err = s.monthForScope(scope, monthKey)
	if err != nil {
		return result, err
	}
	result.MonthKey = monthKey
	threadID := cfg.ThreadFor(scope)
	if threadID == "" {
		return result, nil
	}
	return s.publish(ctx, tenantID, threadID, cfg.DatabaseID, monthKey, scope, cfg.Timezone)
}

// SyncAll runs the three month scopes strictly sequentially. A failing
// scope does not abort its siblings; scope errors are joined and returned
// alongside the results that did complete.
func (s *Syncer) SyncAll(ctx context.Context, tenantID string) ([]SyncResult, error) {
	var results []SyncResult
	var errs []error
	for _, scope := range MonthScopes {
		result, err := s.SyncScope(ctx, tenantID, scope, "")
		if err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scope, err))
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// RefreshAll syncs every configured tenant, for the scheduled refresh.
// Per-tenant failures are logged and do not stop the walk.
func (s *Syncer) RefreshAll(ctx context.Context) {
	ids, err := s.configs.TenantIDs()
	if err != nil {
		log.Printf("refresh: listing tenants failed: %v", err)
		return
	}
	for _, tenantID := range ids {
		if _, err := s.SyncAll(ctx, tenantID); err != nil {
			log.Printf("refresh: tenant %s: %v", tenantID, err)
		}
	}
}

func (s *Syncer) monthForScope(scope Scope, monthKey string) (string, error) {
	if monthKey != "" {
		if _, err := WindowFor(monthKey); err != nil {
			return "", err
		}
		return monthKey, nil
	}
	current := MonthKey(s.now())
	switch scope {
	case ScopeLastMonth:
		return ShiftMonthKey(current, -1)
	case ScopeNextMonth:
		return ShiftMonthKey(current, 1)
	default:
		return current, nil
	}
}

func (s *Syncer) publish(ctx context.Context, tenantID, threadID, databaseID, monthKey string, scope Scope, tzLabel string) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := SyncResult{Scope: scope, MonthKey: monthKey}
	query, err := s.queryWindow(ctx, databaseID, monthKey)
	if err != nil {
		return result, err
	}
	result.SkippedNoDate = query.SkippedNoDate
	result.UnresolvedRefs = query.UnresolvedRefs

	if _, err := s.chat.Channel(ctx, threadID); err != nil {
		return result, fmt.Errorf("%w: thread %s: %v", ErrDestinationUnreachable, threadID, err)
	}

	key := BindingKey(tenantID, scope)
	binding, bound, err := s.bindings.Get(key)
	if err != nil {
		return result, err
	}
	messageID := ""
	if bound && binding.MessageID != "" {
		// A stale binding (message deleted out from under us) is repaired
		// by falling through to creation.
		if _, err := s.chat.Message(ctx, threadID, binding.MessageID); err == nil {
			messageID = binding.MessageID
		}
	}
	if messageID == "" {
		created, err := s.chat.CreateMessage(ctx, threadID, MessagePayload{Content: placeholderContent})
		if err != nil {
			return result, fmt.Errorf("%w: thread %s: %v", ErrDestinationUnreachable, threadID, err)
		}
		messageID = created.ID
		if err := s.bindings.Put(key, MessageBinding{MessageID: messageID}); err != nil {
			return result, err
		}
	}

	rendered, err := RenderSummary(monthKey, query.Events, tzLabel)
	if err != nil {
		return result, err
	}
	payload := MessagePayload{
		Content: "",
		Embeds: []Embed{{
			Title:       rendered.Title,
			Description: rendered.Body,
		}},
	}
	if rendered.Footer != "" {
		payload.Embeds[0].Footer = &EmbedFooter{Text: rendered.Footer}
	}
	if _, err := s.chat.EditMessage(ctx, threadID, messageID, payload); err != nil {
		return result, err
	}
	result.Published = len(query.Events)
	return result, nil
}
