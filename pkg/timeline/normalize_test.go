package timeline

import (
	"testing"
)

func TestDefaultNormalizer_CurrencyForms(t *testing.T) {
	n := NewDefaultNormalizer()

	cases := []struct {
		in   string
		want []string
	}{
		{"I paid $42.00 for these", []string{"42 usd", "42"}},
		{"the rent is $1,200 a month", []string{"1200 usd", "1200"}},
		{"that cost 15 bucks", []string{"15 usd", "15"}},
		{"tickets were 30 euros each", []string{"30 eur", "30"}},
		{"about £9.50", []string{"9.5 gbp", "9.5"}},
	}
	for _, tc := range cases {
		got := n.Terms(tc.in)
		for _, want := range tc.want {
			if !containsTerm(got, want) {
				t.Errorf("Terms(%q) = %v, missing %q", tc.in, got, want)
			}
		}
	}
}

func TestDefaultNormalizer_SymbolAndCodeFormsCollide(t *testing.T) {
	n := NewDefaultNormalizer()
	a := n.Terms("the shoes were $42.00")
	b := n.Terms("shoes for 42 dollars")
	if !containsTerm(a, "42 usd") || !containsTerm(b, "42 usd") {
		t.Fatalf("currency forms did not normalize to a shared term: %v vs %v", a, b)
	}
}

func TestDefaultNormalizer_ProperNouns(t *testing.T) {
	n := NewDefaultNormalizer()
	got := n.Terms("Had lunch with Dana Miller near Union Square")
	if !containsTerm(got, "dana miller") {
		t.Errorf("missing person span: %v", got)
	}
	if !containsTerm(got, "union square") {
		t.Errorf("missing place span: %v", got)
	}

	got = n.Terms("What did I do today")
	if containsTerm(got, "what") {
		t.Errorf("sentence-lead capital leaked into terms: %v", got)
	}
}

func TestDefaultNormalizer_EmptyInput(t *testing.T) {
	n := NewDefaultNormalizer()
	if got := n.Terms("   "); got != nil {
		t.Fatalf("Terms(blank) = %v, want nil", got)
	}
}

func TestCanonicalAmount(t *testing.T) {
	cases := map[string]string{
		"1,200": "1200",
		"42.00": "42",
		"42.50": "42.5",
		"0.99":  "0.99",
		"7":     "7",
	}
	for in, want := range cases {
		if got := canonicalAmount(in); got != want {
			t.Errorf("canonicalAmount(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseNumberWords(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"forty-two", 42, true},
		{"forty two", 42, true},
		{"nineteen", 19, true},
		{"three hundred five", 305, true},
		{"two thousand", 2000, true},
		{"one hundred and seven", 107, true},
		{"banana", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseNumberWords(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseNumberWords(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func containsTerm(terms []string, want string) bool {
	for _, term := range terms {
		if term == want {
			return true
		}
	}
	return false
}

func TestEventTermsCoverSummaryAndEntities(t *testing.T) {
	store := newTestStore(t)
	idx, err := NewIndexManager("", store, NewEmbedder(""), NewDefaultNormalizer())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	ev := MemoryEvent{
		ID:      "evt-1",
		Summary: "bought shoes at the mall",
		Entities: map[EntityKind][]string{
			EntityPrice:    {"$42.00"},
			EntityLocation: {"store"},
		},
	}
	terms := idx.EventTerms(ev)
	if !containsTerm(terms, "42 usd") || !containsTerm(terms, "42") {
		t.Fatalf("price entity terms missing: %v", terms)
	}
}
