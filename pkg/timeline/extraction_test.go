package timeline

import (
	"reflect"
	"testing"
	"time"
)

func obsAt(id string, mod Modality, ts time.Time, payload ObservationPayload, conf float64) Observation {
	return Observation{ID: id, FragmentID: "frag-1", Modality: mod, Timestamp: ts, Payload: payload, Confidence: conf}
}

func TestExtractEntities_PreferDigitPriceSurface(t *testing.T) {
	t0 := baseTime()
	cluster := []Observation{
		obsAt("o1", ModalitySpeech, t0, ObservationPayload{Text: "these cost forty-two dollars"}, 0.9),
		obsAt("o2", ModalityOCR, t0.Add(time.Second), ObservationPayload{Text: "TOTAL $42.00"}, 0.95),
	}
	got := extractEntities(cluster, 0.4)
	if !reflect.DeepEqual(got[EntityPrice], []string{"$42.00"}) {
		t.Fatalf("price = %v, want [$42.00]", got[EntityPrice])
	}
}

func TestExtractEntities_SpelledPriceAloneFormats(t *testing.T) {
	t0 := baseTime()
	cluster := []Observation{
		obsAt("o1", ModalitySpeech, t0, ObservationPayload{Text: "lunch was fifteen dollars"}, 0.9),
	}
	got := extractEntities(cluster, 0.4)
	if !reflect.DeepEqual(got[EntityPrice], []string{"$15.00"}) {
		t.Fatalf("price = %v, want [$15.00]", got[EntityPrice])
	}
}

func TestExtractEntities_DistinctAmountsKept(t *testing.T) {
	t0 := baseTime()
	cluster := []Observation{
		obsAt("o1", ModalityOCR, t0, ObservationPayload{Text: "$42.00"}, 0.95),
		obsAt("o2", ModalityOCR, t0.Add(time.Second), ObservationPayload{Text: "$9.99"}, 0.95),
	}
	got := extractEntities(cluster, 0.4)
	if len(got[EntityPrice]) != 2 {
		t.Fatalf("price = %v, want two values", got[EntityPrice])
	}
}

func TestExtractEntities_LocationFromLabels(t *testing.T) {
	t0 := baseTime()
	cluster := []Observation{
		obsAt("o1", ModalityObject, t0, ObservationPayload{Label: "kitchen"}, 0.9),
		obsAt("o2", ModalityCaption, t0.Add(time.Second), ObservationPayload{Label: "scene: coffee shop"}, 0.8),
		obsAt("o3", ModalityObject, t0.Add(2*time.Second), ObservationPayload{Label: "mug"}, 0.9),
	}
	got := extractEntities(cluster, 0.4)
	if !reflect.DeepEqual(got[EntityLocation], []string{"coffee shop", "kitchen"}) {
		t.Fatalf("location = %v", got[EntityLocation])
	}
	if !reflect.DeepEqual(got[EntityItem], []string{"mug"}) {
		t.Fatalf("item = %v", got[EntityItem])
	}
}

func TestExtractEntities_LowConfidenceLabelDropped(t *testing.T) {
	t0 := baseTime()
	cluster := []Observation{
		obsAt("o1", ModalityObject, t0, ObservationPayload{Label: "kitchen"}, 0.2),
	}
	got := extractEntities(cluster, 0.4)
	if len(got[EntityLocation]) != 0 {
		t.Fatalf("low-confidence label extracted: %v", got[EntityLocation])
	}
}

func TestExtractEntities_PersonClustersAreOpaque(t *testing.T) {
	t0 := baseTime()
	cluster := []Observation{
		obsAt("o1", ModalityObject, t0, ObservationPayload{ClusterID: "person-7"}, 0.9),
		obsAt("o2", ModalityObject, t0.Add(time.Second), ObservationPayload{ClusterID: "person-7"}, 0.8),
		obsAt("o3", ModalityObject, t0.Add(2*time.Second), ObservationPayload{ClusterID: "person-9"}, 0.8),
	}
	got := extractEntities(cluster, 0.4)
	if !reflect.DeepEqual(got[EntityPersonCluster], []string{"person-7", "person-9"}) {
		t.Fatalf("person clusters = %v", got[EntityPersonCluster])
	}
}

func TestExtractEntities_TaskPhrases(t *testing.T) {
	t0 := baseTime()
	cluster := []Observation{
		obsAt("o1", ModalitySpeech, t0, ObservationPayload{Text: "remind me to send the invoice tomorrow"}, 0.9),
	}
	got := extractEntities(cluster, 0.4)
	if len(got[EntityTask]) != 1 {
		t.Fatalf("task = %v, want one phrase", got[EntityTask])
	}
}
