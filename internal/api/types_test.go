package api

import (
	"math"
	"testing"
)

func TestBlend(t *testing.T) {
	w := DefaultRewardWeights()
	cases := []struct {
		name              string
		quality, cost, lat float64
		success           bool
		want              float64
	}{
		{"perfect", 1, 0, 0, true, 1},
		{"worst", 0, 1, 1, false, 0},
		{"balanced", 0.5, 0.5, 0.5, true, 0.5*0.5 + 0.2*0.5 + 0.2*0.5 + 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := w.Blend(tc.quality, tc.cost, tc.lat, tc.success)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Blend = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestBlendClamps(t *testing.T) {
	w := RewardWeights{Quality: 2} // malformed weights still yield [0, 1]
	if got := w.Blend(1, 0, 0, false); got != 1 {
		t.Errorf("Blend should clamp to 1, got %f", got)
	}
	w = RewardWeights{Quality: -2}
	if got := w.Blend(1, 0, 0, false); got != 0 {
		t.Errorf("Blend should clamp to 0, got %f", got)
	}
}

func TestHashOptions(t *testing.T) {
	a := HashOptions(map[string]string{"format": "json", "safety": "strict"})
	b := HashOptions(map[string]string{"safety": "strict", "format": "json"})
	if a != b {
		t.Error("option hash must be order independent")
	}

	c := HashOptions(map[string]string{"format": "json"})
	if a == c {
		t.Error("different option sets must hash differently")
	}

	if HashOptions(nil) != "none" || HashOptions(map[string]string{}) != "none" {
		t.Error("empty options should hash to the sentinel")
	}
}

func TestSeverityString(t *testing.T) {
	cases := map[Severity]string{
		SeverityNormal:   "NORMAL",
		SeverityWarning:  "WARNING",
		SeverityActive:   "ACTIVE",
		SeverityCritical: "CRITICAL",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
