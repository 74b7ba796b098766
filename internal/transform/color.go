package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// RGB is a color with 0-255 channels.
type RGB struct {
	Red   int `json:"red"`
	Green int `json:"green"`
	Blue  int `json:"blue"`
}

// RGBToHex formats channels as "#rrggbb". Channels are clamped to 0-255.
func RGBToHex(r, g, b int) string {
	return fmt.Sprintf("#%02x%02x%02x", clampByte(r), clampByte(g), clampByte(b))
}

// HexToRGB parses "#rrggbb", "rrggbb" or the shorthand "#rgb".
func HexToRGB(hex string) (RGB, bool) {
	h := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return RGB{}, false
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return RGB{}, false
	}
	return RGB{Red: int(v >> 16 & 0xff), Green: int(v >> 8 & 0xff), Blue: int(v & 0xff)}, true
}

// ScaleUp maps a 0-1 light channel to the stored 0-255 scale as
// round((v*100)*2.55).
func ScaleUp(v float64) int {
	return int(roundHalfUp((v * 100) * 2.55))
}

// ScaleDown is the inverse of ScaleUp without rounding: (v/100)/2.55.
func ScaleDown(v float64) float64 {
	return (v / 100) / 2.55
}

// ToPercent maps a 0-1 cover position to 0-100, rounded to two decimals.
func ToPercent(v float64) float64 {
	return Round(v*100, 2)
}

// FromPercent maps 0-100 back to 0-1.
func FromPercent(v float64) float64 {
	return v / 100
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
