package transform

import (
	"errors"
	"testing"
)

func TestModify(t *testing.T) {
	tests := []struct {
		method string
		in     any
		want   any
	}{
		{"round(2)", 21.456, 21.46},
		{"round(0)", 2.5, 3.0},
		{"round(0)", -2.5, -2.0},
		{"ROUND(1)", "3.14159", 3.1},
		{"multiply(3.6)", 10, 36.0},
		{"divide(10)", 215, 21.5},
		{"add(5)", 1.5, 6.5},
		{"subtract(5)", 10, 5.0},
		{"substract(5)", 10, 5.0},
		{"uppercase", "kitchen", "KITCHEN"},
		{"lowerCase", "Kitchen", "kitchen"},
		{"ucFirst", "hELLO wORLD", "Hello world"},
		{"uppercase", 42, 42},
		{"round(2)", "n/a", "n/a"},
	}
	for _, tt := range tests {
		got, err := Modify(tt.method, tt.in)
		if err != nil {
			t.Errorf("Modify(%q, %v) error: %v", tt.method, tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Modify(%q, %v) = %v (%T), want %v (%T)", tt.method, tt.in, got, got, tt.want, tt.want)
		}
	}
}

func TestModifyRejectsCustom(t *testing.T) {
	got, err := Modify("custom: value * 2", 4)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if got != 4 {
		t.Errorf("value = %v, want input returned unchanged", got)
	}
}

func TestModifyBadMethods(t *testing.T) {
	for _, m := range []string{"sqrt(2)", "round(", "round()", "multiply(x)", "divide(0)", "uppercase(1)", "round"} {
		if _, err := Modify(m, 1.0); !errors.Is(err, ErrBadMethod) {
			t.Errorf("Modify(%q) err = %v, want ErrBadMethod", m, err)
		}
	}
}

func TestRGBToHex(t *testing.T) {
	tests := []struct {
		r, g, b int
		want    string
	}{
		{255, 0, 0, "#ff0000"},
		{0, 0, 0, "#000000"},
		{1, 2, 3, "#010203"},
		{255, 255, 255, "#ffffff"},
		{300, -4, 16, "#ff0010"},
	}
	for _, tt := range tests {
		if got := RGBToHex(tt.r, tt.g, tt.b); got != tt.want {
			t.Errorf("RGBToHex(%d,%d,%d) = %q, want %q", tt.r, tt.g, tt.b, got, tt.want)
		}
	}
}

func TestHexToRGB(t *testing.T) {
	tests := []struct {
		in   string
		want RGB
		ok   bool
	}{
		{"#ff0000", RGB{255, 0, 0}, true},
		{"00FF7f", RGB{0, 255, 127}, true},
		{"#abc", RGB{0xaa, 0xbb, 0xcc}, true},
		{"#ff00", RGB{}, false},
		{"#gg0000", RGB{}, false},
		{"", RGB{}, false},
	}
	for _, tt := range tests {
		got, ok := HexToRGB(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("HexToRGB(%q) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHexRoundTripSampled(t *testing.T) {
	for r := 0; r < 256; r += 15 {
		for g := 0; g < 256; g += 17 {
			for b := 0; b < 256; b += 51 {
				hex := RGBToHex(r, g, b)
				got, ok := HexToRGB(hex)
				if !ok || got != (RGB{r, g, b}) {
					t.Fatalf("round trip %d,%d,%d via %q = %+v", r, g, b, hex, got)
				}
			}
		}
	}
}

func TestScaleRoundTrip(t *testing.T) {
	if got := ScaleUp(1); got != 255 {
		t.Errorf("ScaleUp(1) = %d, want 255", got)
	}
	if got := ScaleUp(0); got != 0 {
		t.Errorf("ScaleUp(0) = %d, want 0", got)
	}
	for x := 0; x <= 255; x++ {
		if got := ScaleUp(ScaleDown(float64(x))); got != x {
			t.Errorf("ScaleUp(ScaleDown(%d)) = %d", x, got)
		}
	}
}

func TestPercent(t *testing.T) {
	if got := ToPercent(0.5); got != 50 {
		t.Errorf("ToPercent(0.5) = %v, want 50", got)
	}
	if got := ToPercent(0.25); got != 25 {
		t.Errorf("ToPercent(0.25) = %v, want 25", got)
	}
	if got := FromPercent(75); got != 0.75 {
		t.Errorf("FromPercent(75) = %v, want 0.75", got)
	}
}

func TestValueType(t *testing.T) {
	var nilPtr *int
	tests := []struct {
		in   any
		want string
	}{
		{nil, "string"},
		{nilPtr, "string"},
		{true, "boolean"},
		{"x", "string"},
		{3, "number"},
		{uint32(3), "number"},
		{2.5, "number"},
		{[]string{"a"}, "array"},
		{map[string]any{"a": 1}, "object"},
	}
	for _, tt := range tests {
		if got := ValueType(tt.in); got != tt.want {
			t.Errorf("ValueType(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{false, false},
		{0, false},
		{0.0, false},
		{"", false},
		{"false", true},
		{1, true},
		{"on", true},
		{[]int{}, true},
	}
	for _, tt := range tests {
		if got := Truthy(tt.in); got != tt.want {
			t.Errorf("Truthy(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
