package schedrelay

import "strings"

const (
	emptyStateBody = "No events scheduled for this month."
	refSeparator   = " · "
)

// categoryGlyphs is fixed display data. Unrecognized categories get no
// glyph.
var categoryGlyphs = map[string]string{
	"Release":         "💿",
	"Concert":         "🎤",
	"Festival":        "🎪",
	"Listening Party": "🎧",
	"Deadline":        "⏰",
}

// Rendered is the display payload for one destination message.
type Rendered struct {
	Title  string
	Body   string
	Footer string
}

// RenderSummary formats a time-ordered event list for one month. Pure; it
// preserves input order and performs no timezone math. tzLabel is embedded
// verbatim in the footer.
func RenderSummary(monthKey string, events []Event, tzLabel string) (Rendered, error) {
	title, err := MonthTitle(monthKey)
	if err != nil {
		return Rendered{}, err
	}
	rendered := Rendered{Title: title, Body: renderBody(events)}
	if strings.TrimSpace(tzLabel) != "" {
		rendered.Footer = "All dates shown in " + tzLabel
	}
	return rendered, nil
}

func renderBody(events []Event) string {
	if len(events) == 0 {
		return emptyStateBody
	}
	lines := make([]string, 0, len(events))
	for _, event := range events {
		lines = append(lines, renderLine(event))
	}
	return strings.Join(lines, "\n")
}

func renderLine(event Event) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(event.OccursAt.Format("Jan")))
	b.WriteString(" ")
	b.WriteString(event.OccursAt.Format("02"))
	if event.TimeLabel != "" {
		b.WriteString(" | ")
		b.WriteString(event.TimeLabel)
	}
	b.WriteString("]")
	if glyph := categoryGlyphs[event.Category]; glyph != "" {
		b.WriteString(" ")
		b.WriteString(glyph)
	}
	b.WriteString(" ")
	b.WriteString(event.Title)

	var extras []string
	extras = append(extras, event.PrimaryRefs...)
	extras = append(extras, event.SecondaryRefs...)
	if event.Location != "" {
		extras = append(extras, event.Location)
	}
	if len(extras) > 0 {
		b.WriteString(" — ")
		b.WriteString(strings.Join(extras, refSeparator))
	}
	if event.Link != "" {
		b.WriteString(refSeparator)
		b.WriteString(event.Link)
	}
	return b.String()
}
