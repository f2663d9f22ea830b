package timeline

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	priceIntentRegex  = regexp.MustCompile(`(?i)[$€£]|\b(?:price|cost|costs|pay|paid|spent|spend|charge|charged|expensive|cheap|how much)\b`)
	personIntentRegex = regexp.MustCompile(`(?i)\bwho(?:m|se)?\b|\b(?:person|people|meet|met|talked? (?:to|with))\b`)
	placeIntentRegex  = regexp.MustCompile(`(?i)\bwhere\b|\b(?:location|place)\b`)
	timeIntentRegex   = regexp.MustCompile(`(?i)\bwhen\b|\bwhat time\b|\bhow long ago\b`)

	clockTimeRegex   = regexp.MustCompile(`(?i)\b(?:around|about|at|near)\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	lastSpanRegex    = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d+)?\s*(minute|minutes|min|hour|hours|day|days)\b`)
	dayPartRegex     = regexp.MustCompile(`(?i)\b(yesterday|today|this|tonight)\b(?:\s+(morning|afternoon|evening|night))?`)
	recentlyRegex    = regexp.MustCompile(`(?i)\b(?:recently|just now|a moment ago)\b`)
	aroundTimeRadius = 45 * time.Minute
	recentLookback   = 15 * time.Minute
	defaultLastSpan  = map[string]time.Duration{"minute": time.Minute, "hour": time.Hour, "day": 24 * time.Hour}
)

// QueryParser turns free text into a structured query. It never fails:
// unparseable input degrades to intent=general, no literal terms and
// an unbounded time hint.
type QueryParser struct {
	norm Normalizer
}

func NewQueryParser(norm Normalizer) *QueryParser {
	if norm == nil {
		norm = NewDefaultNormalizer()
	}
	return &QueryParser{norm: norm}
}

// Parse resolves relative temporal expressions against the caller's
// reference now.
func (p *QueryParser) Parse(text string, now time.Time) ParsedQuery {
	text = strings.TrimSpace(text)
	q := ParsedQuery{
		Intent:   IntentGeneral,
		FreeText: text,
	}
	if text == "" {
		return q
	}

	switch {
	case priceIntentRegex.MatchString(text):
		q.Intent = IntentPrice
	case personIntentRegex.MatchString(text):
		q.Intent = IntentPerson
	case placeIntentRegex.MatchString(text):
		q.Intent = IntentLocation
	case timeIntentRegex.MatchString(text):
		q.Intent = IntentTimeRecall
	}

	q.Time = resolveTimeHint(text, now)
	q.LiteralTerms = p.norm.Terms(text)
	return q
}

func resolveTimeHint(text string, now time.Time) TimeHint {
	if m := lastSpanRegex.FindStringSubmatch(text); m != nil {
		n := 1
		if m[1] != "" {
			if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
				n = v
			}
		}
		unit := strings.TrimSuffix(strings.ToLower(m[2]), "s")
		if unit == "min" {
			unit = "minute"
		}
		span := defaultLastSpan[unit] * time.Duration(n)
		return TimeHint{Start: now.Add(-span), End: now, Bounded: true}
	}

	if recentlyRegex.MatchString(text) {
		return TimeHint{Start: now.Add(-recentLookback), End: now, Bounded: true}
	}

	dayOffset := 0
	dayPart := ""
	hasDay := false
	if m := dayPartRegex.FindStringSubmatch(text); m != nil {
		lead := strings.ToLower(m[1])
		// Bare "this" is not a temporal expression.
		if lead != "this" || m[2] != "" {
			hasDay = true
			switch lead {
			case "yesterday":
				dayOffset = -1
			case "tonight":
				dayPart = "night"
			}
			if m[2] != "" {
				dayPart = strings.ToLower(m[2])
			}
		}
	}

	if m := clockTimeRegex.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		meridiem := strings.ToLower(m[3])
		if meridiem == "pm" && hour < 12 {
			hour += 12
		}
		if meridiem == "am" && hour == 12 {
			hour = 0
		}
		if hour > 23 || minute > 59 {
			return TimeHint{}
		}
		day := now.AddDate(0, 0, dayOffset)
		center := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		if dayOffset == 0 && center.After(now) {
			// "around 3 PM" asked at 10 AM means yesterday's 3 PM.
			center = center.AddDate(0, 0, -1)
		}
		return TimeHint{Start: center.Add(-aroundTimeRadius), End: center.Add(aroundTimeRadius), Bounded: true}
	}

	if hasDay {
		day := now.AddDate(0, 0, dayOffset)
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())
		start, end := midnight, midnight.Add(24*time.Hour)
		switch dayPart {
		case "morning":
			start = midnight.Add(5 * time.Hour)
			end = midnight.Add(12 * time.Hour)
		case "afternoon":
			start = midnight.Add(12 * time.Hour)
			end = midnight.Add(17 * time.Hour)
		case "evening":
			start = midnight.Add(17 * time.Hour)
			end = midnight.Add(21 * time.Hour)
		case "night":
			start = midnight.Add(21 * time.Hour)
			end = midnight.Add(24 * time.Hour)
		}
		if end.After(now) {
			end = now
		}
		if !start.Before(end) {
			return TimeHint{}
		}
		return TimeHint{Start: start, End: end, Bounded: true}
	}

	return TimeHint{}
}
