package schedrelay

import (
	"context"
	"fmt"
	"strings"
)

// nameCache maps cross-reference ids to display names for the duration of
// one window query. A fresh cache is built at the start of each query so
// renamed entities show up promptly.
type nameCache map[string]string

// resolveRefs turns relation links into display names, at most max plus an
// overflow marker. A failed or empty lookup omits that id only; display
// degradation beats failing the whole sync. unresolved reports how many
// lookups failed outright.
func (s *Syncer) resolveRefs(ctx context.Context, cache nameCache, refs []RelationRef, max int) (names []string, unresolved int) {
	if max <= 0 || len(refs) == 0 {
		return nil, 0
	}
	limit := max
	if len(refs) < limit {
		limit = len(refs)
	}
	for _, ref := range refs[:limit] {
		name, ok := cache[ref.ID]
		if !ok {
			page, err := s.source.GetPage(ctx, ref.ID)
			if err != nil {
				// Cache the miss too; one lookup per unique id per run,
				// failed or not.
				cache[ref.ID] = ""
				unresolved++
				continue
			}
			name = firstTitleText(page)
			cache[ref.ID] = name
		}
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	if len(refs) > max {
		names = append(names, fmt.Sprintf("+%d", len(refs)-max))
	}
	return names, unresolved
}

// firstTitleText extracts the plain text of the first title-typed property
// of a page, defaulting to "".
func firstTitleText(page Page) string {
	for _, prop := range page.Properties {
		if prop.Type == "title" {
			return strings.TrimSpace(plainText(prop.Title))
		}
	}
	return ""
}

func plainText(parts []RichText) string {
	if len(parts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return b.String()
}
