package timeline

import "time"

// Modality identifies which extractor produced an observation.
type Modality string

const (
	ModalitySpeech  Modality = "speech"
	ModalityOCR     Modality = "ocr"
	ModalityObject  Modality = "object"
	ModalityCaption Modality = "caption"
)

// Fragment is an immutable time-anchored slice of captured media.
// The core never opens the file at Path; it only anchors observations.
type Fragment struct {
	ID     string    `json:"id"`
	Stream string    `json:"stream"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Path   string    `json:"path,omitempty"`
	Status string    `json:"status,omitempty"`
}

// Fragment status values.
const (
	FragmentObserved = "observed"
	FragmentFused    = "fused"
)

// ObservationPayload carries the modality-specific extraction result.
// Text is set for speech/ocr/caption, Label for object detections,
// ClusterID for person-clustering observations. Box is optional.
type ObservationPayload struct {
	Text      string       `json:"text,omitempty"`
	Label     string       `json:"label,omitempty"`
	ClusterID string       `json:"cluster_id,omitempty"`
	Box       *BoundingBox `json:"box,omitempty"`
}

// BoundingBox is a normalized [0,1] screen-space rectangle.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Observation is one extraction result tied to a fragment and timestamp.
// Observations are append-only; corrections arrive as new observations.
type Observation struct {
	ID             string             `json:"id"`
	FragmentID     string             `json:"fragment_id"`
	Modality       Modality           `json:"modality"`
	Timestamp      time.Time          `json:"timestamp"`
	Payload        ObservationPayload `json:"payload"`
	Confidence     float64            `json:"confidence"`
	SourceModel    string             `json:"source_model,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	EventID        string             `json:"event_id,omitempty"`
}

// EntityKind classifies extracted entity values on a memory event.
type EntityKind string

const (
	EntityPrice         EntityKind = "price"
	EntityLocation      EntityKind = "location"
	EntityPersonCluster EntityKind = "person_cluster"
	EntityItem          EntityKind = "item"
	EntityTask          EntityKind = "task"
)

// MemoryEvent is the fused, canonical timeline unit. Entities values
// are kept sorted and deduplicated so repeated fusion passes produce
// byte-equal events. EvidenceRefs order follows observation time.
type MemoryEvent struct {
	ID           string                  `json:"id"`
	Start        time.Time               `json:"start"`
	End          time.Time               `json:"end"`
	Summary      string                  `json:"summary"`
	Entities     map[EntityKind][]string `json:"entities,omitempty"`
	EvidenceRefs []string                `json:"evidence_refs,omitempty"`
	Embedding    []float32               `json:"-"`
	Revision     int64                   `json:"revision"`
	Frozen       bool                    `json:"frozen"`
}

// Intent is the coarse question category the parser assigns.
type Intent string

const (
	IntentPrice      Intent = "price"
	IntentPerson     Intent = "person"
	IntentLocation   Intent = "location"
	IntentTimeRecall Intent = "time_recall"
	IntentGeneral    Intent = "general"
)

// TimeHint bounds a query in absolute time. Bounded=false means the
// query covers all recorded history.
type TimeHint struct {
	Start   time.Time
	End     time.Time
	Bounded bool
}

// ParsedQuery is the structured form of a free-text question.
type ParsedQuery struct {
	Intent       Intent
	Time         TimeHint
	LiteralTerms []string
	FreeText     string
}

// ScoredEvent is one retrieval result with its combined score.
type ScoredEvent struct {
	Event         MemoryEvent
	Score         float64
	SemanticScore float64
	KeywordHits   int
}

// RankedEvidence is a descending-scored evidence set, possibly empty.
type RankedEvidence []ScoredEvent

// EvidenceItem is the citation form of an event in an answer.
type EvidenceItem struct {
	EventID    string    `json:"event_id"`
	Summary    string    `json:"summary"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	SourceRefs []string  `json:"source_refs"`
	Score      float64   `json:"score"`
}

// Answer is the composed response to a question. Timestamp is nil when
// no evidence supports the answer.
type Answer struct {
	Text       string         `json:"answer"`
	Confidence float64        `json:"confidence"`
	Timestamp  *time.Time     `json:"timestamp"`
	Evidence   []EvidenceItem `json:"evidence"`
	Uncertain  bool           `json:"uncertain"`
}

// FusionResult reports what one fusion pass produced.
type FusionResult struct {
	Created []MemoryEvent
	Updated []MemoryEvent
	Skipped int
}

// FusionWindow status values for the durable re-fusion ledger.
const (
	WindowPending = "pending"
	WindowFused   = "fused"
	WindowFailed  = "failed"
)

// FusionWindow is one durable fusion unit of work.
type FusionWindow struct {
	Stream   string
	Start    time.Time
	End      time.Time
	Status   string
	Attempts int
}
