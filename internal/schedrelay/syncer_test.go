package schedrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu           sync.Mutex
	pages        []Page
	queryErr     error
	byID         map[string]Page
	failGetIDs   map[string]bool
	getCalls     map[string]int
	lastDatabase string
	lastWindow   Window
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		byID:       map[string]Page{},
		failGetIDs: map[string]bool{},
		getCalls:   map[string]int{},
	}
}

func (f *fakeSource) QueryCalendar(ctx context.Context, databaseID string, window Window) ([]Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDatabase = databaseID
	f.lastWindow = window
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return append([]Page(nil), f.pages...), nil
}

func (f *fakeSource) GetPage(ctx context.Context, pageID string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[pageID]++
	if f.failGetIDs[pageID] {
		return Page{}, &SourceAPIError{Status: 404, Code: "object_not_found", Message: "missing"}
	}
	page, ok := f.byID[pageID]
	if !ok {
		return Page{}, &SourceAPIError{Status: 404, Code: "object_not_found", Message: "missing"}
	}
	return page, nil
}

type fakeChat struct {
	mu            sync.Mutex
	badChannels   map[string]bool
	messages      map[string]MessagePayload
	nextID        int
	created       int
	edits         int
	lastEdit      MessagePayload
	lastEditMsgID string
	responses     []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		badChannels: map[string]bool{},
		messages:    map[string]MessagePayload{},
	}
}

func messageKey(channelID, messageID string) string {
	return channelID + "/" + messageID
}

func (f *fakeChat) Channel(ctx context.Context, channelID string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badChannels[channelID] {
		return Channel{}, &ChatAPIError{Status: 404, Message: "Unknown Channel"}
	}
	return Channel{ID: channelID}, nil
}

func (f *fakeChat) CreateMessage(ctx context.Context, channelID string, payload MessagePayload) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badChannels[channelID] {
		return Message{}, &ChatAPIError{Status: 404, Message: "Unknown Channel"}
	}
	f.nextID++
	f.created++
	id := fmt.Sprintf("msg_%d", f.nextID)
	f.messages[messageKey(channelID, id)] = payload
	return Message{ID: id, ChannelID: channelID, Content: payload.Content}, nil
}

func (f *fakeChat) Message(ctx context.Context, channelID, messageID string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.messages[messageKey(channelID, messageID)]
	if !ok {
		return Message{}, &ChatAPIError{Status: 404, Message: "Unknown Message"}
	}
	return Message{ID: messageID, ChannelID: channelID, Content: payload.Content, Embeds: payload.Embeds}, nil
}

func (f *fakeChat) EditMessage(ctx context.Context, channelID, messageID string, payload MessagePayload) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := messageKey(channelID, messageID)
	if _, ok := f.messages[key]; !ok {
		return Message{}, &ChatAPIError{Status: 404, Message: "Unknown Message"}
	}
	f.messages[key] = payload
	f.edits++
	f.lastEdit = payload
	f.lastEditMsgID = messageID
	return Message{ID: messageID, ChannelID: channelID, Content: payload.Content, Embeds: payload.Embeds}, nil
}

func (f *fakeChat) RespondInteraction(ctx context.Context, interactionID, interactionToken, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, content)
	return nil
}

func (f *fakeChat) deleteMessage(channelID, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, messageKey(channelID, messageID))
}

func eventPage(id, title, category, date string) Page {
	props := map[string]PageProperty{
		sourceTitleProperty: {Type: "title", Title: []RichText{{PlainText: title}}},
	}
	if category != "" {
		props[sourceCategoryProperty] = PageProperty{Type: "select", Select: &SelectValue{Name: category}}
	}
	if date != "" {
		props[sourceDateProperty] = PageProperty{Type: "date", Date: &DateValue{Start: date}}
	}
	return Page{ID: id, Properties: props}
}

func refPage(id, name string) Page {
	return Page{
		ID: id,
		Properties: map[string]PageProperty{
			"Name": {Type: "title", Title: []RichText{{PlainText: name}}},
		},
	}
}

func testSyncer(t *testing.T, source *fakeSource, chat *fakeChat) *Syncer {
	t.Helper()
	syncer := NewSyncer(SyncerOptions{
		Source: source,
		Chat:   chat,
		Now: func() time.Time {
			return time.Date(2026, time.September, 15, 12, 0, 0, 0, time.UTC)
		},
	})
	err := syncer.Configs().Put("guild_1", &TenantConfig{
		CommandChannelID: "chan_cmd",
		DatabaseID:       "db_1",
		Timezone:         "Europe/Berlin",
		Threads: map[Scope]string{
			ScopeThisMonth: "thread_this",
			ScopeLastMonth: "thread_last",
			ScopeNextMonth: "thread_next",
		},
	})
	if err != nil {
		t.Fatalf("seed config failed: %v", err)
	}
	return syncer
}

func TestSyncScopeCreatesThenEditsWithoutDuplication(t *testing.T) {
	source := newFakeSource()
	source.pages = []Page{eventPage("p1", "Album X", "Release", "2026-09-03")}
	chat := newFakeChat()
	syncer := testSyncer(t, source, chat)

	first, err := syncer.SyncScope(context.Background(), "guild_1", ScopeThisMonth, "")
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if first.Published != 1 {
		t.Fatalf("expected 1 published, got %d", first.Published)
	}
	if first.MonthKey != "2026-09" {
		t.Fatalf("expected month 2026-09, got %s", first.MonthKey)
	}
	if chat.created != 1 {
		t.Fatalf("expected one created message, got %d", chat.created)
	}

	source.pages = []Page{
		eventPage("p1", "Album X", "Release", "2026-09-03"),
		eventPage("p2", "Album Y", "Release", "2026-09-20"),
	}
	second, err := syncer.SyncScope(context.Background(), "guild_1", ScopeThisMonth, "")
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if second.Published != 2 {
		t.Fatalf("expected 2 published, got %d", second.Published)
	}
	if chat.created != 1 {
		t.Fatalf("second sync must edit, not create; created=%d", chat.created)
	}
	if chat.edits != 2 {
		t.Fatalf("expected 2 edits, got %d", chat.edits)
	}
	if len(chat.lastEdit.Embeds) != 1 {
		t.Fatalf("expected one embed, got %+v", chat.lastEdit)
	}
	if !strings.Contains(chat.lastEdit.Embeds[0].Description, "Album Y") {
		t.Fatalf("second edit must carry the fresh render: %q", chat.lastEdit.Embeds[0].Description)
	}
	if chat.lastEdit.Content != "" {
		t.Fatalf("edit must clear placeholder content, got %q", chat.lastEdit.Content)
	}
	if chat.lastEdit.Embeds[0].Footer == nil || chat.lastEdit.Embeds[0].Footer.Text != "All dates shown in Europe/Berlin" {
		t.Fatalf("unexpected footer: %+v", chat.lastEdit.Embeds[0].Footer)
	}
}

func TestSyncScopeUnconfiguredThreadIsNoop(t *testing.T) {
	source := newFakeSource()
	chat := newFakeChat()
	syncer := testSyncer(t, source, chat)

	result, err := syncer.SyncScope(context.Background(), "guild_1", ScopeArchive, "")
	if err != nil {
		t.Fatalf("expected no-op, got error %v", err)
	}
	if result.Published != 0 {
		t.Fatalf("expected 0 published, got %d", result.Published)
	}
	if chat.created != 0 || chat.edits != 0 {
		t.Fatalf("no destination calls expected, created=%d edits=%d", chat.created, chat.edits)
	}
}

func TestSyncScopeRepairsStaleBinding(t *testing.T) {
	source := newFakeSource()
	source.pages = []Page{eventPage("p1", "Album X", "Release", "2026-09-03")}
	chat := newFakeChat()
	syncer := testSyncer(t, source, chat)

	if _, err := syncer.SyncScope(context.Background(), "guild_1", ScopeThisMonth, ""); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	binding, ok, err := syncer.Bindings().Get(BindingKey("guild_1", ScopeThisMonth))
	if err != nil || !ok {
		t.Fatalf("expected binding after first sync: ok=%v err=%v", ok, err)
	}
	chat.deleteMessage("thread_this", binding.MessageID)

	if _, err := syncer.SyncScope(context.Background(), "guild_1", ScopeThisMonth, ""); err != nil {
		t.Fatalf("repair sync failed: %v", err)
	}
	if chat.created != 2 {
		t.Fatalf("expected recreation after stale binding, created=%d", chat.created)
	}
	repaired, ok, err := syncer.Bindings().Get(BindingKey("guild_1", ScopeThisMonth))
	if err != nil || !ok {
		t.Fatalf("expected repaired binding: ok=%v err=%v", ok, err)
	}
	if repaired.MessageID == binding.MessageID {
		t.Fatalf("expected a fresh message id after repair")
	}
}

func TestSyncScopeDestinationUnreachable(t *testing.T) {
	source := newFakeSource()
	chat := newFakeChat()
	chat.badChannels["thread_this"] = true
	syncer := testSyncer(t, source, chat)

	_, err := syncer.SyncScope(context.Background(), "guild_1", ScopeThisMonth, "")
	if !errors.Is(err, ErrDestinationUnreachable) {
		t.Fatalf("expected destination unreachable, got %v", err)
	}
}

func TestSyncScopeSourceFailureAbortsWithoutDestinationCalls(t *testing.T) {
	source := newFakeSource()
	source.queryErr = &SourceAPIError{Status: 502, Message: "upstream broke"}
	chat := newFakeChat()
	syncer := testSyncer(t, source, chat)

	_, err := syncer.SyncScope(context.Background(), "guild_1", ScopeThisMonth, "")
	var apiErr *SourceAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected source api error, got %v", err)
	}
	if chat.created != 0 || chat.edits != 0 {
		t.Fatalf("destination must not be touched on source failure")
	}
}

func TestSyncScopeMissingTenant(t *testing.T) {
	syncer := NewSyncer(SyncerOptions{Source: newFakeSource(), Chat: newFakeChat()})
	_, err := syncer.SyncScope(context.Background(), "guild_unknown", ScopeThisMonth, "")
	if !errors.Is(err, ErrConfigIncomplete) {
		t.Fatalf("expected config incomplete, got %v", err)
	}
}

func TestSyncAllContinuesPastFailingScope(t *testing.T) {
	source := newFakeSource()
	chat := newFakeChat()
	chat.badChannels["thread_last"] = true
	syncer := testSyncer(t, source, chat)

	results, err := syncer.SyncAll(context.Background(), "guild_1")
	if err == nil {
		t.Fatalf("expected joined error for the failing scope")
	}
	if !errors.Is(err, ErrDestinationUnreachable) {
		t.Fatalf("expected destination unreachable in joined error, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected the two healthy scopes to complete, got %d", len(results))
	}
	months := map[Scope]string{}
	for _, result := range results {
		months[result.Scope] = result.MonthKey
	}
	if months[ScopeThisMonth] != "2026-09" || months[ScopeNextMonth] != "2026-10" {
		t.Fatalf("unexpected scope months: %+v", months)
	}
}

func TestSyncScopeExplicitMonthOverridesClock(t *testing.T) {
	source := newFakeSource()
	chat := newFakeChat()
	syncer := testSyncer(t, source, chat)

	result, err := syncer.SyncScope(context.Background(), "guild_1", ScopeThisMonth, "2025-01")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.MonthKey != "2025-01" {
		t.Fatalf("expected explicit month, got %s", result.MonthKey)
	}
	if !source.lastWindow.Start.Equal(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected window start %v", source.lastWindow.Start)
	}
}
