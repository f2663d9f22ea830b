package timeline

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ComposerConfig gates assertive answers behind a confidence floor.
type ComposerConfig struct {
	ConfidenceThreshold float64
	MaxCandidates       int
}

func (c *ComposerConfig) applyDefaults() {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.3
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 3
	}
}

// Composer renders a ranked evidence set into an answer. It never
// synthesizes an entity value: every price, name or place it asserts
// comes verbatim (or by direct derivation) from a cited evidence
// item, and weak evidence produces an explicit uncertainty answer
// rather than a guess.
type Composer struct {
	cfg ComposerConfig
}

func NewComposer(cfg ComposerConfig) *Composer {
	cfg.applyDefaults()
	return &Composer{cfg: cfg}
}

func (c *Composer) Compose(q ParsedQuery, evidence RankedEvidence) Answer {
	if len(evidence) == 0 {
		text := "I don't have any recorded memory to answer that yet."
		if q.Time.Bounded {
			text = "No memory was recorded in that time window."
		}
		return Answer{Text: text, Confidence: 0, Uncertain: true}
	}

	top := evidence[0]
	confidence := clamp01(top.Score)
	if len(evidence) > 1 {
		confidence *= ambiguityDiscount(top.Score - evidence[1].Score)
	}

	items := make([]EvidenceItem, 0, c.cfg.MaxCandidates)
	for i, se := range evidence {
		if i >= c.cfg.MaxCandidates {
			break
		}
		items = append(items, EvidenceItem{
			EventID:    se.Event.ID,
			Summary:    se.Event.Summary,
			Start:      se.Event.Start,
			End:        se.Event.End,
			SourceRefs: se.Event.EvidenceRefs,
			Score:      se.Score,
		})
	}

	ts := top.Event.Start
	answer := Answer{
		Confidence: confidence,
		Timestamp:  &ts,
		Evidence:   items,
	}

	if confidence < c.cfg.ConfidenceThreshold {
		answer.Uncertain = true
		answer.Text = uncertainText(items)
		return answer
	}

	answer.Text = assertiveText(q.Intent, top.Event)
	return answer
}

// ambiguityDiscount shrinks confidence when the top two scores are
// close. It is monotonic in the gap: a zero gap keeps 60% of the
// score, and the discount fades out linearly by a gap of 0.25.
func ambiguityDiscount(gap float64) float64 {
	if gap < 0 {
		gap = 0
	}
	return 0.6 + 0.4*math.Min(1, gap/0.25)
}

func uncertainText(items []EvidenceItem) string {
	var b strings.Builder
	b.WriteString("I'm not confident enough to say. The closest memories are:")
	for _, it := range items {
		b.WriteString(fmt.Sprintf("\n- %s (%s)", it.Summary, formatWhen(it.Start)))
	}
	return b.String()
}

func assertiveText(intent Intent, ev MemoryEvent) string {
	when := formatWhen(ev.Start)
	switch intent {
	case IntentPrice:
		if vals := ev.Entities[EntityPrice]; len(vals) > 0 {
			return fmt.Sprintf("The price was %s (%s).", vals[0], when)
		}
	case IntentPerson:
		if vals := ev.Entities[EntityPersonCluster]; len(vals) > 0 {
			return fmt.Sprintf("You were with %s (%s).", strings.Join(vals, ", "), when)
		}
	case IntentLocation:
		if vals := ev.Entities[EntityLocation]; len(vals) > 0 {
			return fmt.Sprintf("You were at the %s (%s).", vals[0], when)
		}
	case IntentTimeRecall:
		return fmt.Sprintf("That was %s: %s", when, ev.Summary)
	}
	return fmt.Sprintf("%s (%s)", ev.Summary, when)
}

func formatWhen(t time.Time) string {
	return "around " + t.Format("3:04 PM on Jan 2")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
