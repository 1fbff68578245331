package analysis

import (
	"math"
	"testing"
)

func TestSamplingRateFor(t *testing.T) {
	tests := []struct {
		name            string
		durationSeconds int
		want            float64
	}{
		{name: "short clip", durationSeconds: 90, want: 1.0},
		{name: "two minutes exactly", durationSeconds: 120, want: 1.0},
		{name: "just over two minutes", durationSeconds: 121, want: 0.5},
		{name: "mid-length", durationSeconds: 400, want: 0.5},
		{name: "ten minutes exactly", durationSeconds: 600, want: 0.5},
		{name: "twelve minutes", durationSeconds: 720, want: 0.33},
		{name: "eighteen minutes", durationSeconds: 1080, want: 0.25},
		{name: "half hour exactly", durationSeconds: 1800, want: 0.2},
		{name: "feature length", durationSeconds: 5400, want: 0.1},
		{name: "zero duration", durationSeconds: 0, want: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SamplingRateFor(tt.durationSeconds)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("SamplingRateFor(%d): got %f, want %f", tt.durationSeconds, got, tt.want)
			}
		})
	}
}

func TestResolutionHintFor(t *testing.T) {
	tests := []struct {
		durationSeconds int
		want            string
	}{
		{durationSeconds: 90, want: "720p"},
		{durationSeconds: 600, want: "720p"},
		{durationSeconds: 601, want: "480p"},
		{durationSeconds: 1800, want: "480p"},
		{durationSeconds: 5400, want: "360p"},
	}

	for _, tt := range tests {
		got := ResolutionHintFor(tt.durationSeconds)
		if got != tt.want {
			t.Errorf("ResolutionHintFor(%d): got %q, want %q", tt.durationSeconds, got, tt.want)
		}
	}
}
