package timeline

import (
	"testing"
	"time"
)

func parseAt(t *testing.T, text string) ParsedQuery {
	t.Helper()
	now := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	return NewQueryParser(nil).Parse(text, now)
}

func TestQueryParser_Intents(t *testing.T) {
	cases := map[string]Intent{
		"how much did the shoes cost":     IntentPrice,
		"what did I pay for lunch":        IntentPrice,
		"who was I talking to":            IntentPerson,
		"where did I leave my keys":       IntentLocation,
		"when did I last water the plant": IntentTimeRecall,
		"show me this morning":            IntentGeneral,
	}
	for text, want := range cases {
		if got := parseAt(t, text).Intent; got != want {
			t.Errorf("Parse(%q).Intent = %v, want %v", text, got, want)
		}
	}
}

func TestQueryParser_LastSpan(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	q := NewQueryParser(nil).Parse("what did I eat in the last 2 hours", now)
	if !q.Time.Bounded {
		t.Fatal("expected a bounded hint")
	}
	if !q.Time.Start.Equal(now.Add(-2*time.Hour)) || !q.Time.End.Equal(now) {
		t.Fatalf("hint = [%v, %v]", q.Time.Start, q.Time.End)
	}
}

func TestQueryParser_YesterdayMorning(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	q := NewQueryParser(nil).Parse("what happened yesterday morning", now)
	wantStart := time.Date(2026, 3, 13, 5, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC)
	if !q.Time.Bounded || !q.Time.Start.Equal(wantStart) || !q.Time.End.Equal(wantEnd) {
		t.Fatalf("hint = [%v, %v], bounded=%v", q.Time.Start, q.Time.End, q.Time.Bounded)
	}
}

func TestQueryParser_AroundClockTime(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	q := NewQueryParser(nil).Parse("what was on screen around 3 pm", now)
	center := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	if !q.Time.Bounded {
		t.Fatal("expected a bounded hint")
	}
	if !q.Time.Start.Equal(center.Add(-45*time.Minute)) || !q.Time.End.Equal(center.Add(45*time.Minute)) {
		t.Fatalf("hint = [%v, %v]", q.Time.Start, q.Time.End)
	}
}

func TestQueryParser_FutureClockTimeMeansYesterday(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	q := NewQueryParser(nil).Parse("what happened around 3 pm", now)
	center := time.Date(2026, 3, 13, 15, 0, 0, 0, time.UTC)
	if !q.Time.Start.Equal(center.Add(-45 * time.Minute)) {
		t.Fatalf("hint start = %v, want %v", q.Time.Start, center.Add(-45*time.Minute))
	}
}

func TestQueryParser_BareThisIsNotTemporal(t *testing.T) {
	q := parseAt(t, "how much was this")
	if q.Time.Bounded {
		t.Fatalf("bare 'this' bounded the query: [%v, %v]", q.Time.Start, q.Time.End)
	}
}

func TestQueryParser_LiteralTermsIncludeCurrency(t *testing.T) {
	q := parseAt(t, "did I really spend $42.00 today")
	if !containsTerm(q.LiteralTerms, "42 usd") || !containsTerm(q.LiteralTerms, "42") {
		t.Fatalf("literal terms = %v", q.LiteralTerms)
	}
}

func TestQueryParser_NeverFails(t *testing.T) {
	for _, text := range []string{"", "   ", "???", "aslkdj qwe 999999999999"} {
		q := parseAt(t, text)
		if q.Intent == "" {
			t.Errorf("Parse(%q) produced empty intent", text)
		}
	}
}
