package intersect

import "testing"

func TestIntersection(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want Rect
	}{
		{
			name: "full containment",
			a:    Rect{X: 0, Y: 0, Width: 100, Height: 100},
			b:    Rect{X: 25, Y: 25, Width: 50, Height: 50},
			want: Rect{X: 25, Y: 25, Width: 50, Height: 50},
		},
		{
			name: "partial overlap",
			a:    Rect{X: 0, Y: 0, Width: 100, Height: 100},
			b:    Rect{X: 50, Y: 50, Width: 100, Height: 100},
			want: Rect{X: 50, Y: 50, Width: 50, Height: 50},
		},
		{
			name: "disjoint",
			a:    Rect{X: 0, Y: 0, Width: 10, Height: 10},
			b:    Rect{X: 20, Y: 20, Width: 10, Height: 10},
			want: Rect{},
		},
		{
			name: "shared edge only",
			a:    Rect{X: 0, Y: 0, Width: 10, Height: 10},
			b:    Rect{X: 10, Y: 0, Width: 10, Height: 10},
			want: Rect{},
		},
		{
			name: "negative y overlap",
			a:    Rect{X: 0, Y: -50, Width: 100, Height: 100},
			b:    Rect{X: 0, Y: 0, Width: 100, Height: 100},
			want: Rect{X: 0, Y: 0, Width: 100, Height: 50},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Intersection(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("Intersection(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestRectArea(t *testing.T) {
	if got := (Rect{Width: 10, Height: 5}).Area(); got != 50 {
		t.Errorf("Area() = %v, want 50", got)
	}
	if got := (Rect{Width: -10, Height: 5}).Area(); got != 0 {
		t.Errorf("Area() with negative width = %v, want 0", got)
	}
	if got := (Rect{}).Area(); got != 0 {
		t.Errorf("Area() of zero rect = %v, want 0", got)
	}
}

func TestRectIsZero(t *testing.T) {
	if !(Rect{}).IsZero() {
		t.Error("zero rect should report IsZero")
	}
	if (Rect{X: 1}).IsZero() {
		t.Error("non-zero rect should not report IsZero")
	}
}

func TestRectEdges(t *testing.T) {
	r := Rect{X: 10, Y: 20, Width: 30, Height: 40}
	if got := r.Right(); got != 40 {
		t.Errorf("Right() = %v, want 40", got)
	}
	if got := r.Bottom(); got != 60 {
		t.Errorf("Bottom() = %v, want 60", got)
	}
}
