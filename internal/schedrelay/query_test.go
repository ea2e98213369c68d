package schedrelay

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func queryTestSyncer(source *fakeSource) *Syncer {
	return NewSyncer(SyncerOptions{Source: source, Chat: newFakeChat()})
}

func TestQueryWindowDropsRecordsWithoutDates(t *testing.T) {
	source := newFakeSource()
	source.pages = []Page{
		eventPage("p1", "Dated", "", "2026-09-10"),
		eventPage("p2", "Dateless", "", ""),
		{ID: "p3", Properties: map[string]PageProperty{
			sourceTitleProperty: {Type: "title", Title: []RichText{{PlainText: "Broken date"}}},
			sourceDateProperty:  {Type: "date", Date: &DateValue{Start: "not-a-date"}},
		}},
	}
	syncer := queryTestSyncer(source)

	result, err := syncer.queryWindow(context.Background(), "db_1", "2026-09")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}
	if result.Events[0].Title != "Dated" {
		t.Fatalf("unexpected survivor %q", result.Events[0].Title)
	}
	if result.SkippedNoDate != 2 {
		t.Fatalf("expected 2 skipped, got %d", result.SkippedNoDate)
	}
}

func TestQueryWindowResortsUntrustedUpstreamOrder(t *testing.T) {
	source := newFakeSource()
	source.pages = []Page{
		eventPage("p1", "Late", "", "2026-09-28"),
		eventPage("p2", "Early", "", "2026-09-02"),
		eventPage("p3", "Middle", "", "2026-09-14"),
	}
	syncer := queryTestSyncer(source)

	result, err := syncer.queryWindow(context.Background(), "db_1", "2026-09")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !sort.SliceIsSorted(result.Events, func(i, j int) bool {
		return result.Events[i].OccursAt.Before(result.Events[j].OccursAt)
	}) {
		t.Fatalf("events are not sorted by occursAt: %+v", result.Events)
	}
	if result.Events[0].Title != "Early" || result.Events[2].Title != "Late" {
		t.Fatalf("unexpected order: %+v", result.Events)
	}
}

func TestQueryWindowNormalizesAllFields(t *testing.T) {
	source := newFakeSource()
	page := eventPage("p1", "Open Air", "Festival", "2026-09-18T19:00:00Z")
	page.Properties[sourceTimeProperty] = PageProperty{Type: "rich_text", RichText: []RichText{{PlainText: "19:00"}}}
	page.Properties[sourceLocationProperty] = PageProperty{Type: "rich_text", RichText: []RichText{{PlainText: "Stadtpark"}}}
	page.Properties[sourceLinkProperty] = PageProperty{Type: "url", URL: "https://example.com"}
	page.Properties[sourcePrimaryRefsProp] = PageProperty{Type: "relation", Relation: []RelationRef{{ID: "a1"}, {ID: "a2"}}}
	page.Properties[sourceSecondaryRefsProp] = PageProperty{Type: "relation", Relation: []RelationRef{{ID: "o1"}}}
	source.pages = []Page{page}
	source.byID["a1"] = refPage("a1", "Band A")
	source.byID["a2"] = refPage("a2", "Band B")
	source.byID["o1"] = refPage("o1", "Kulturverein")
	syncer := queryTestSyncer(source)

	result, err := syncer.queryWindow(context.Background(), "db_1", "2026-09")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}
	event := result.Events[0]
	if event.Title != "Open Air" || event.Category != "Festival" {
		t.Fatalf("unexpected title/category: %+v", event)
	}
	if event.TimeLabel != "19:00" || event.Location != "Stadtpark" || event.Link != "https://example.com" {
		t.Fatalf("unexpected optional fields: %+v", event)
	}
	if len(event.PrimaryRefs) != 2 || event.PrimaryRefs[0] != "Band A" || event.PrimaryRefs[1] != "Band B" {
		t.Fatalf("unexpected primary refs: %+v", event.PrimaryRefs)
	}
	if len(event.SecondaryRefs) != 1 || event.SecondaryRefs[0] != "Kulturverein" {
		t.Fatalf("unexpected secondary refs: %+v", event.SecondaryRefs)
	}
}

func TestQueryWindowUntitledFallback(t *testing.T) {
	source := newFakeSource()
	source.pages = []Page{{ID: "p1", Properties: map[string]PageProperty{
		sourceDateProperty: {Type: "date", Date: &DateValue{Start: "2026-09-05"}},
	}}}
	syncer := queryTestSyncer(source)

	result, err := syncer.queryWindow(context.Background(), "db_1", "2026-09")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Events[0].Title != untitledPlaceholder {
		t.Fatalf("expected placeholder title, got %q", result.Events[0].Title)
	}
}

func TestQueryWindowPropagatesSourceFailure(t *testing.T) {
	source := newFakeSource()
	source.queryErr = &SourceAPIError{Status: 503, Message: "down"}
	syncer := queryTestSyncer(source)

	_, err := syncer.queryWindow(context.Background(), "db_1", "2026-09")
	var apiErr *SourceAPIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Fatalf("expected source api error, got %v", err)
	}
}

func TestQueryWindowRejectsBadInputs(t *testing.T) {
	syncer := queryTestSyncer(newFakeSource())
	if _, err := syncer.queryWindow(context.Background(), "", "2026-09"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty database id, got %v", err)
	}
	if _, err := syncer.queryWindow(context.Background(), "db_1", "2026-9"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad month key, got %v", err)
	}
}
