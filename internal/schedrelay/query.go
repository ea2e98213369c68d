package schedrelay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Calendar database property names for the remaining normalized fields.
const (
	sourceTitleProperty     = "Name"
	sourceCategoryProperty  = "Category"
	sourceTimeProperty      = "Time"
	sourceLocationProperty  = "Location"
	sourceLinkProperty      = "Link"
	sourcePrimaryRefsProp   = "Artists"
	sourceSecondaryRefsProp = "Organizers"

	untitledPlaceholder = "(untitled)"
	maxRefNames         = 2
)

// Event is the canonical shape of one scheduled record after
// normalization. Built fresh per query, never persisted.
type Event struct {
	Title         string
	Category      string
	OccursAt      time.Time
	TimeLabel     string
	Location      string
	Link          string
	PrimaryRefs   []string
	SecondaryRefs []string
}

// QueryResult carries the ordered events plus skip diagnostics.
type QueryResult struct {
	Events         []Event
	SkippedNoDate  int
	UnresolvedRefs int
}

// queryWindow fetches and normalizes all upcoming records inside the
// month's window. The returned events are non-decreasingly ordered by
// OccursAt; the upstream sort is not trusted as the sole guarantee.
func (s *Syncer) queryWindow(ctx context.Context, databaseID, monthKey string) (QueryResult, error) {
	var result QueryResult
	if strings.TrimSpace(databaseID) == "" {
		return result, fmt.Errorf("%w: database id is empty", ErrInvalidInput)
	}
	window, err := WindowFor(monthKey)
	if err != nil {
		return result, err
	}

	// Fresh cache per query run.
	cache := nameCache{}

	pages, err := s.source.QueryCalendar(ctx, databaseID, window)
	if err != nil {
		return result, err
	}

	for _, page := range pages {
		occursAt, ok := pageDate(page)
		if !ok {
			result.SkippedNoDate++
			continue
		}
		event := Event{
			Title:     pageTitle(page),
			Category:  pageSelect(page, sourceCategoryProperty),
			OccursAt:  occursAt,
			TimeLabel: pageText(page, sourceTimeProperty),
			Location:  pageText(page, sourceLocationProperty),
			Link:      pageURL(page, sourceLinkProperty),
		}
		var unresolved int
		event.PrimaryRefs, unresolved = s.resolveRefs(ctx, cache, pageRelations(page, sourcePrimaryRefsProp), maxRefNames)
		result.UnresolvedRefs += unresolved
		event.SecondaryRefs, unresolved = s.resolveRefs(ctx, cache, pageRelations(page, sourceSecondaryRefsProp), maxRefNames)
		result.UnresolvedRefs += unresolved
		result.Events = append(result.Events, event)
	}

	sort.SliceStable(result.Events, func(i, j int) bool {
		return result.Events[i].OccursAt.Before(result.Events[j].OccursAt)
	})
	return result, nil
}

func pageTitle(page Page) string {
	prop, ok := page.Properties[sourceTitleProperty]
	if !ok || prop.Type != "title" {
		return untitledPlaceholder
	}
	title := strings.TrimSpace(plainText(prop.Title))
	if title == "" {
		return untitledPlaceholder
	}
	return title
}

func pageDate(page Page) (time.Time, bool) {
	prop, ok := page.Properties[sourceDateProperty]
	if !ok || prop.Date == nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(prop.Date.Start)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func pageSelect(page Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok || prop.Select == nil {
		return ""
	}
	return strings.TrimSpace(prop.Select.Name)
}

func pageText(page Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(plainText(prop.RichText))
}

func pageURL(page Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(prop.URL)
}

func pageRelations(page Page, name string) []RelationRef {
	prop, ok := page.Properties[name]
	if !ok {
		return nil
	}
	return prop.Relation
}
