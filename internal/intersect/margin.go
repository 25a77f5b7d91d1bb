package intersect

import (
	"fmt"
	"strconv"
	"strings"
)

// Length is one margin component, either absolute CSS pixels or a
// percentage of the relevant root dimension.
type Length struct {
	Value   float64
	Percent bool
}

func (l Length) resolve(dim float64) float64 {
	if l.Percent {
		return l.Value / 100 * dim
	}
	return l.Value
}

// Margin holds per-side root margins. Positive values grow the root box
// before intersection, negative values shrink it.
type Margin struct {
	Top    Length
	Right  Length
	Bottom Length
	Left   Length
}

// ParseMargin parses a CSS-margin-style shorthand: one to four
// whitespace-separated components, each "<number>px" or "<number>%".
// One component applies to all four sides, two to vertical/horizontal,
// three to top/horizontal/bottom, four to top/right/bottom/left.
func ParseMargin(s string) (Margin, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Margin{}, fmt.Errorf("margin %q: no components", s)
	}
	if len(fields) > 4 {
		return Margin{}, fmt.Errorf("margin %q: more than four components", s)
	}
	parts := make([]Length, len(fields))
	for i, f := range fields {
		l, err := parseLength(f)
		if err != nil {
			return Margin{}, fmt.Errorf("margin %q: %w", s, err)
		}
		parts[i] = l
	}
	switch len(parts) {
	case 1:
		return Margin{Top: parts[0], Right: parts[0], Bottom: parts[0], Left: parts[0]}, nil
	case 2:
		return Margin{Top: parts[0], Right: parts[1], Bottom: parts[0], Left: parts[1]}, nil
	case 3:
		return Margin{Top: parts[0], Right: parts[1], Bottom: parts[2], Left: parts[1]}, nil
	default:
		return Margin{Top: parts[0], Right: parts[1], Bottom: parts[2], Left: parts[3]}, nil
	}
}

func parseLength(s string) (Length, error) {
	switch {
	case strings.HasSuffix(s, "px"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "px"), 64)
		if err != nil {
			return Length{}, fmt.Errorf("bad pixel length %q", s)
		}
		return Length{Value: v}, nil
	case strings.HasSuffix(s, "%"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return Length{}, fmt.Errorf("bad percentage length %q", s)
		}
		return Length{Value: v, Percent: true}, nil
	}
	return Length{}, fmt.Errorf("length %q must end in px or %%", s)
}

// Expand applies the margin to a root box. Percentage components resolve
// against the root's own dimensions: width for left and right, height for
// top and bottom. Dimensions never go below zero.
func (m Margin) Expand(root Rect) Rect {
	top := m.Top.resolve(root.Height)
	right := m.Right.resolve(root.Width)
	bottom := m.Bottom.resolve(root.Height)
	left := m.Left.resolve(root.Width)
	out := Rect{
		X:      root.X - left,
		Y:      root.Y - top,
		Width:  root.Width + left + right,
		Height: root.Height + top + bottom,
	}
	if out.Width < 0 {
		out.Width = 0
	}
	if out.Height < 0 {
		out.Height = 0
	}
	return out
}
