// Package timerange parses the heterogeneous time-window strings accepted by
// the analysis request ("YYYY-MM-DD_HH:MM~HH:MM", full endpoints, bare dates,
// '-' as date/time separator, optional seconds) into timezone-aware windows.
package timerange

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/models"
)

// CanonicalLayout is the second-precision wire format used by the backend
// payload ("YYYY-MM-DD HH:MM:SS").
const CanonicalLayout = "2006-01-02 15:04:05"

var (
	datePattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	offsetPattern    = regexp.MustCompile(`[+-]\d{2}:\d{2}$`)
	spaceSepPattern  = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}`)
	dashClockPattern = regexp.MustCompile(`\d{2}-\d{2}:\d{2}|\d{2}:\d{2}-\d{2}`)
)

// Parser converts window strings into (start, end) instants carrying the
// configured default offset. Inputs with an explicit offset keep it.
type Parser struct {
	loc *time.Location
}

// NewParser builds a parser for a default offset such as "+09:00".
func NewParser(offset string) (*Parser, error) {
	loc, err := locationFromOffset(offset)
	if err != nil {
		return nil, fmt.Errorf("timerange: invalid default offset %q: %w", offset, err)
	}
	return &Parser{loc: loc}, nil
}

func locationFromOffset(offset string) (*time.Location, error) {
	text := strings.TrimSpace(offset)
	sign := 1
	switch {
	case strings.HasPrefix(text, "+"):
		text = text[1:]
	case strings.HasPrefix(text, "-"):
		sign = -1
		text = text[1:]
	}
	parts := strings.Split(text, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("offset must be [+-]HH:MM")
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 {
		return nil, fmt.Errorf("offset hours out of range: %s", parts[0])
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return nil, fmt.Errorf("offset minutes out of range: %s", parts[1])
	}
	secs := sign * (hours*3600 + minutes*60)
	return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", sign*hours, minutes), secs), nil
}

// Parse turns a window string into a TimeWindow. It never substitutes
// defaults on failure.
func (p *Parser) Parse(text string) (models.TimeWindow, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return models.TimeWindow{}, errs.New(errs.KindTimeParse, "empty time range string").
			WithDetail("input", text).
			WithHint("example: 2025-08-08_15:00~2025-08-08_19:00 or 2025-08-08")
	}

	if strings.Contains(trimmed, "~") {
		return p.parseRange(trimmed, text)
	}
	if datePattern.MatchString(trimmed) {
		return p.parseWholeDay(trimmed, text)
	}
	return models.TimeWindow{}, errs.New(errs.KindTimeParse, "unrecognized time range format").
		WithDetail("input", text).
		WithHint(formatHint(trimmed))
}

// ParseSafe is the non-failing variant used when a best-effort window is
// acceptable, e.g. when the payload builder re-parses period strings.
func (p *Parser) ParseSafe(text string) (models.TimeWindow, bool) {
	w, err := p.Parse(text)
	return w, err == nil
}

func (p *Parser) parseRange(trimmed, original string) (models.TimeWindow, error) {
	if strings.Count(trimmed, "~") != 1 {
		return models.TimeWindow{}, errs.New(errs.KindTimeParse, "range separator '~' must appear exactly once").
			WithDetail("input", original)
	}

	halves := strings.SplitN(trimmed, "~", 2)
	left, right := strings.TrimSpace(halves[0]), strings.TrimSpace(halves[1])
	if left == "" || right == "" {
		return models.TimeWindow{}, errs.New(errs.KindTimeParse, "both start and end instants are required").
			WithDetail("input", original)
	}

	start, err := p.parseInstant(left)
	if err != nil {
		return models.TimeWindow{}, errs.Wrap(errs.KindTimeParse, "invalid start instant", err).
			WithDetail("input", left).WithHint(formatHint(left))
	}
	if start.clockOnly {
		return models.TimeWindow{}, errs.New(errs.KindTimeParse, "start instant must include a date").
			WithDetail("input", left)
	}

	end, err := p.parseInstant(right)
	if err != nil {
		return models.TimeWindow{}, errs.Wrap(errs.KindTimeParse, "invalid end instant", err).
			WithDetail("input", right).WithHint(formatHint(right))
	}
	if end.clockOnly {
		// Abbreviated end-time inherits the date from the left half.
		end.t = time.Date(start.t.Year(), start.t.Month(), start.t.Day(),
			end.t.Hour(), end.t.Minute(), end.t.Second(), 0, start.t.Location())
	}

	// "23:59" without seconds means the whole final minute.
	if !end.hasSeconds && end.t.Hour() == 23 && end.t.Minute() == 59 {
		end.t = end.t.Add(59 * time.Second)
	}

	if start.t.After(end.t) {
		return models.TimeWindow{}, errs.New(errs.KindTimeParse, "start instant is after end instant").
			WithDetail("input", original)
	}
	return models.TimeWindow{Start: start.t, End: end.t}, nil
}

func (p *Parser) parseWholeDay(trimmed, original string) (models.TimeWindow, error) {
	day, err := time.ParseInLocation("2006-01-02", trimmed, p.loc)
	if err != nil {
		return models.TimeWindow{}, errs.Wrap(errs.KindTimeParse, "invalid date", err).
			WithDetail("input", original)
	}
	start := day
	end := day.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
	return models.TimeWindow{Start: start, End: end}, nil
}

type instant struct {
	t          time.Time
	hasSeconds bool
	clockOnly  bool
}

type instantLayout struct {
	layout     string
	hasOffset  bool
	hasSeconds bool
	clockOnly  bool
}

// Most specific first: full datetime beats abbreviated beats date-only.
var instantLayouts = []instantLayout{
	{layout: "2006-01-02_15:04:05Z07:00", hasOffset: true, hasSeconds: true},
	{layout: "2006-01-02_15:04Z07:00", hasOffset: true},
	{layout: "2006-01-02_15:04:05", hasSeconds: true},
	{layout: "2006-01-02_15:04"},
	{layout: "15:04:05", hasSeconds: true, clockOnly: true},
	{layout: "15:04", clockOnly: true},
	{layout: "2006-01-02"},
}

func (p *Parser) parseInstant(token string) (instant, error) {
	normalized := normalizeSeparator(token)
	for _, cand := range instantLayouts {
		var t time.Time
		var err error
		if cand.hasOffset {
			t, err = time.Parse(cand.layout, normalized)
		} else {
			t, err = time.ParseInLocation(cand.layout, normalized, p.loc)
		}
		if err != nil {
			continue
		}
		return instant{t: t, hasSeconds: cand.hasSeconds, clockOnly: cand.clockOnly}, nil
	}
	return instant{}, fmt.Errorf("no supported layout matches %q", token)
}

// normalizeSeparator converts the "YYYY-MM-DD-HH:MM" variant to the canonical
// underscore form. Only the last '-' before a clock is touched.
func normalizeSeparator(token string) string {
	if !strings.Contains(token, ":") || strings.Count(token, "-") < 3 {
		return token
	}
	clock := token
	if offsetPattern.MatchString(clock) {
		clock = clock[:len(clock)-6]
	}
	idx := strings.LastIndex(clock, "-")
	if idx <= 0 || !strings.Contains(clock[idx:], ":") {
		return token
	}
	return token[:idx] + "_" + token[idx+1:]
}

// formatHint recognizes the two common typos seen in production inputs.
func formatHint(text string) string {
	if spaceSepPattern.MatchString(text) {
		return "separate date and time with '_' or '-', not a space"
	}
	if dashClockPattern.MatchString(text) {
		return "clock must use ':' as in 15:00, not 15-00"
	}
	return "example: 2025-08-08_15:00~2025-08-08_19:00 or 2025-08-08"
}
