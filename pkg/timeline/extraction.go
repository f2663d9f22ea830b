package timeline

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	spelledAmountRegex = regexp.MustCompile(`(?i)\b((?:zero|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty|thirty|forty|fifty|sixty|seventy|eighty|ninety|hundred|thousand)(?:[\s\-](?:and|zero|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty|thirty|forty|fifty|sixty|seventy|eighty|ninety|hundred|thousand))*)\s+(dollars?|bucks?|euros?|pounds?|quid)\b`)
	taskPhraseRegex    = regexp.MustCompile(`(?i)\b(?:remind me|need to|have to|don't forget|todo|deadline for)\b([^.!?\n]{3,120})`)
	labelPrefixRegex   = regexp.MustCompile(`^(location|place|scene)\s*:\s*(.+)$`)
)

var currencySymbols = map[string]string{"usd": "$", "eur": "€", "gbp": "£"}

// locationLabels marks detector/caption labels that describe where the
// wearer is rather than an object in view.
var locationLabels = map[string]struct{}{
	"kitchen": {}, "office": {}, "bedroom": {}, "bathroom": {}, "living room": {},
	"hallway": {}, "street": {}, "park": {}, "airport": {}, "station": {},
	"store": {}, "supermarket": {}, "cafe": {}, "restaurant": {}, "gym": {},
	"car": {}, "bus": {}, "train": {}, "outdoors": {}, "garden": {}, "garage": {},
}

type priceCandidate struct {
	surface string
	digits  bool
}

// extractEntities derives the entity map for one observation cluster.
// Price surfaces are deduplicated on canonical amount+currency, with
// digit forms (OCR "$42.00") preferred over spelled-out speech forms.
func extractEntities(cluster []Observation, minLabelConfidence float64) map[EntityKind][]string {
	prices := map[string]priceCandidate{}
	values := map[EntityKind]map[string]struct{}{}
	add := func(kind EntityKind, value string) {
		value = trimPhrase(value)
		if value == "" {
			return
		}
		if values[kind] == nil {
			values[kind] = map[string]struct{}{}
		}
		values[kind][value] = struct{}{}
	}
	addPrice := func(key, surface string, digits bool) {
		prev, ok := prices[key]
		if ok && (prev.digits || !digits) {
			return
		}
		prices[key] = priceCandidate{surface: surface, digits: digits}
	}

	for _, obs := range cluster {
		switch obs.Modality {
		case ModalitySpeech, ModalityOCR, ModalityCaption:
			text := obs.Payload.Text
			for _, m := range currencySymbolRegex.FindAllStringSubmatch(text, -1) {
				code := currencyCodes[m[1]]
				addPrice(canonicalAmount(m[2])+" "+code, m[0], true)
			}
			for _, m := range currencyWordRegex.FindAllStringSubmatch(text, -1) {
				code := currencyCodes[strings.ToLower(m[2])]
				addPrice(canonicalAmount(m[1])+" "+code, m[1]+" "+strings.ToLower(m[2]), true)
			}
			for _, m := range spelledAmountRegex.FindAllStringSubmatch(text, -1) {
				n, ok := parseNumberWords(m[1])
				if !ok {
					continue
				}
				code := currencyCodes[strings.ToLower(m[2])]
				surface := trimPhrase(m[0])
				if sym, ok := currencySymbols[code]; ok {
					surface = formatAmountUSDLike(sym, float64(n))
				}
				addPrice(strconv.Itoa(n)+" "+code, surface, false)
			}
			if obs.Modality == ModalitySpeech {
				for _, m := range taskPhraseRegex.FindAllStringSubmatch(text, -1) {
					add(EntityTask, m[1])
				}
			}
		}

		if obs.Payload.ClusterID != "" {
			add(EntityPersonCluster, obs.Payload.ClusterID)
		}

		if obs.Payload.Label != "" && obs.Confidence >= minLabelConfidence {
			label := strings.ToLower(trimPhrase(obs.Payload.Label))
			if m := labelPrefixRegex.FindStringSubmatch(label); m != nil {
				add(EntityLocation, m[2])
				continue
			}
			if _, isLoc := locationLabels[label]; isLoc {
				add(EntityLocation, label)
			} else if obs.Modality == ModalityObject || obs.Modality == ModalityCaption {
				add(EntityItem, label)
			}
		}
	}

	out := map[EntityKind][]string{}
	for kind, set := range values {
		vals := make([]string, 0, len(set))
		for v := range set {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		out[kind] = vals
	}
	if len(prices) > 0 {
		vals := make([]string, 0, len(prices))
		for _, cand := range prices {
			vals = append(vals, cand.surface)
		}
		sort.Strings(vals)
		out[EntityPrice] = vals
	}
	return out
}

func trimPhrase(in string) string {
	in = strings.TrimSpace(in)
	in = strings.Trim(in, " .,!?:;\"'")
	if len(in) < 2 {
		return ""
	}
	if len(in) > 180 {
		in = strings.TrimSpace(in[:180])
	}
	return in
}

