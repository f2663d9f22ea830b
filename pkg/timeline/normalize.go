package timeline

import (
	"regexp"
	"strconv"
	"strings"
)

// Normalizer maps literal spans (currency, numbers, proper nouns) to
// the canonical tokens shared by the keyword index and the query
// parser, so "$1,200" and "1200 usd" land on the same index entry.
type Normalizer interface {
	Terms(text string) []string
}

var (
	currencySymbolRegex = regexp.MustCompile(`([$€£])\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	currencyWordRegex   = regexp.MustCompile(`(?i)\b([0-9][0-9,]*(?:\.[0-9]+)?)\s*(usd|eur|gbp|dollars?|bucks?|euros?|pounds?|quid)\b`)
	bareNumberRegex     = regexp.MustCompile(`\b[0-9][0-9,]*(?:\.[0-9]+)?\b`)
	properNounRegex     = regexp.MustCompile(`\b[A-Z][a-z][A-Za-z'\-]*(?:\s+[A-Z][a-z][A-Za-z'\-]*)*\b`)
)

var currencyCodes = map[string]string{
	"$": "usd", "€": "eur", "£": "gbp",
	"usd": "usd", "dollar": "usd", "dollars": "usd", "buck": "usd", "bucks": "usd",
	"eur": "eur", "euro": "eur", "euros": "eur",
	"gbp": "gbp", "pound": "gbp", "pounds": "gbp", "quid": "gbp",
}

// properNounStop drops capitalized sentence leads that are never
// entity-bearing on their own.
var properNounStop = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "i": {}, "what": {}, "who": {}, "where": {},
	"when": {}, "how": {}, "why": {}, "was": {}, "is": {}, "did": {}, "do": {},
	"show": {}, "tell": {}, "this": {}, "that": {}, "it": {}, "my": {}, "me": {},
}

// DefaultNormalizer implements the canonical literal-token rules.
type DefaultNormalizer struct{}

func NewDefaultNormalizer() *DefaultNormalizer { return &DefaultNormalizer{} }

// Terms extracts and normalizes literal tokens from text. Currency
// amounts yield both the coded form ("42 usd") and the bare amount
// ("42") so a query for either matches the same event.
func (n *DefaultNormalizer) Terms(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seen := map[string]struct{}{}
	out := []string{}
	add := func(term string) {
		term = strings.TrimSpace(strings.ToLower(term))
		if term == "" {
			return
		}
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}

	for _, m := range currencySymbolRegex.FindAllStringSubmatch(text, -1) {
		amt := canonicalAmount(m[2])
		add(amt + " " + currencyCodes[m[1]])
		add(amt)
	}
	for _, m := range currencyWordRegex.FindAllStringSubmatch(text, -1) {
		amt := canonicalAmount(m[1])
		add(amt + " " + currencyCodes[strings.ToLower(m[2])])
		add(amt)
	}
	for _, m := range bareNumberRegex.FindAllString(text, -1) {
		add(canonicalAmount(m))
	}
	for _, span := range properNounRegex.FindAllString(text, -1) {
		words := strings.Fields(span)
		if len(words) == 1 {
			if _, stop := properNounStop[strings.ToLower(words[0])]; stop {
				continue
			}
		}
		add(strings.Join(words, " "))
	}
	return out
}

// canonicalAmount strips grouping commas and insignificant decimal
// zeros: "1,200" -> "1200", "42.00" -> "42", "42.50" -> "42.5".
func canonicalAmount(raw string) string {
	raw = strings.ReplaceAll(raw, ",", "")
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = strings.TrimRight(raw, "0")
		raw = strings.TrimSuffix(raw, ".")
	}
	if raw == "" {
		return "0"
	}
	return raw
}

var numberWordUnits = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var numberWordTens = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

// parseNumberWords evaluates a spelled-out integer ("forty-two",
// "three hundred five"). It handles values up to the thousands, which
// covers spoken prices; larger constructions return ok=false.
func parseNumberWords(phrase string) (int, bool) {
	fields := strings.FieldsFunc(strings.ToLower(phrase), func(r rune) bool {
		return r == ' ' || r == '-'
	})
	if len(fields) == 0 {
		return 0, false
	}
	total, current := 0, 0
	matched := false
	for _, f := range fields {
		if f == "and" {
			continue
		}
		if v, ok := numberWordUnits[f]; ok {
			current += v
			matched = true
			continue
		}
		if v, ok := numberWordTens[f]; ok {
			current += v
			matched = true
			continue
		}
		switch f {
		case "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
			matched = true
		case "thousand":
			if current == 0 {
				current = 1
			}
			total += current * 1000
			current = 0
			matched = true
		default:
			return 0, false
		}
	}
	if !matched {
		return 0, false
	}
	return total + current, true
}

// formatAmountUSDLike renders a numeric amount the way on-screen
// prices usually appear, so spoken and OCR'd prices dedupe to one
// entity value.
func formatAmountUSDLike(symbol string, amount float64) string {
	if amount == float64(int64(amount)) {
		return symbol + strconv.FormatInt(int64(amount), 10) + ".00"
	}
	return symbol + strconv.FormatFloat(amount, 'f', 2, 64)
}
