package viewability

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeThresholdsSorts(t *testing.T) {
	in := []Threshold{
		{Label: "c", Ratio: 0.9},
		{Label: "a", Ratio: 0.1},
		{Label: "b", Ratio: 0.5},
	}
	out, err := normalizeThresholds(in)
	if err != nil {
		t.Fatalf("normalizeThresholds: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i].Label != want {
			t.Errorf("out[%d].Label = %q, want %q", i, out[i].Label, want)
		}
	}
	// Input order is preserved.
	if in[0].Label != "c" {
		t.Errorf("input slice was mutated: %v", in)
	}
}

func TestNormalizeThresholdsStableTies(t *testing.T) {
	in := []Threshold{
		{Label: "second", Ratio: 0.5, Time: time.Second},
		{Label: "third", Ratio: 0.5},
		{Label: "first", Ratio: 0.25},
	}
	out, err := normalizeThresholds(in)
	if err != nil {
		t.Fatalf("normalizeThresholds: %v", err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if out[i].Label != want {
			t.Errorf("out[%d].Label = %q, want %q", i, out[i].Label, want)
		}
	}
}

func TestNormalizeThresholdsErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []Threshold
	}{
		{"empty", nil},
		{"ratio above one", []Threshold{{Label: "x", Ratio: 1.01}}},
		{"negative ratio", []Threshold{{Label: "x", Ratio: -0.01}}},
		{"negative time", []Threshold{{Label: "x", Ratio: 0.5, Time: -time.Second}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := normalizeThresholds(tc.in); err == nil {
				t.Errorf("expected error for %v", tc.in)
			}
		})
	}
}

func TestParseThresholds(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    []Threshold
		wantErr bool
	}{
		{
			name: "single with dwell",
			spec: "viewable:0.5:1s",
			want: []Threshold{
				{Label: "viewable", Ratio: 0.5, Time: time.Second},
			},
		},
		{
			name: "multiple mixed",
			spec: "any:0.01,half:0.5,viewable:0.5:1s",
			want: []Threshold{
				{Label: "any", Ratio: 0.01},
				{Label: "half", Ratio: 0.5},
				{Label: "viewable", Ratio: 0.5, Time: time.Second},
			},
		},
		{
			name: "spaces tolerated",
			spec: " full:1 , glance:0.25:500ms ",
			want: []Threshold{
				{Label: "full", Ratio: 1},
				{Label: "glance", Ratio: 0.25, Time: 500 * time.Millisecond},
			},
		},
		{name: "missing ratio", spec: "viewable", wantErr: true},
		{name: "bad ratio", spec: "viewable:lots", wantErr: true},
		{name: "ratio out of range", spec: "viewable:1.5", wantErr: true},
		{name: "bad dwell", spec: "viewable:0.5:soon", wantErr: true},
		{name: "negative dwell", spec: "viewable:0.5:-1s", wantErr: true},
		{name: "empty label", spec: ":0.5", wantErr: true},
		{name: "too many fields", spec: "viewable:0.5:1s:x", wantErr: true},
		{name: "empty spec", spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseThresholds(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseThresholds(%q) succeeded, want error", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseThresholds(%q): %v", tt.spec, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseThresholds(%q) mismatch (-want +got):\n%s", tt.spec, diff)
			}
		})
	}
}

func TestRatioList(t *testing.T) {
	ths := []Threshold{
		{Label: "a", Ratio: 0.25},
		{Label: "b", Ratio: 0.5},
		{Label: "c", Ratio: 0.5, Time: time.Second},
		{Label: "d", Ratio: 0.9},
	}
	got := ratioList(ths)
	want := []float64{0.25, 0.5, 0.9}
	if len(got) != len(want) {
		t.Fatalf("ratioList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ratioList[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
