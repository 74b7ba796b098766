package nativeapi

// ColorCapability is a bit set of light features. ESPHome color modes are
// themselves combinations of these bits.
type ColorCapability int

const (
	CapOnOff            ColorCapability = 1 << 0
	CapBrightness       ColorCapability = 1 << 1
	CapWhite            ColorCapability = 1 << 2
	CapColorTemperature ColorCapability = 1 << 3
	CapColdWarmWhite    ColorCapability = 1 << 4
	CapRGB              ColorCapability = 1 << 5
)

func (c ColorCapability) Has(f ColorCapability) bool { return c&f == f }

// LightCapabilities derives the capability set of an announced light from
// supportedColorModesList and the legacy supports* flags.
func LightCapabilities(cfg map[string]any) ColorCapability {
	var caps ColorCapability
	if modes, ok := cfg["supportedColorModesList"].([]int); ok {
		for _, m := range modes {
			caps |= ColorCapability(m)
		}
	}
	flag := func(name string) bool {
		b, _ := cfg[name].(bool)
		return b
	}
	if flag("legacySupportsBrightness") {
		caps |= CapBrightness
	}
	if flag("legacySupportsRgb") {
		caps |= CapRGB
	}
	if flag("legacySupportsWhiteValue") {
		caps |= CapWhite
	}
	if flag("legacySupportsColorTemperature") {
		caps |= CapColorTemperature
	}
	return caps
}

// HasColorModes reports whether the light announced the color mode list
// (firmware 1.6+), in which case commands carry an explicit color mode.
func HasColorModes(cfg map[string]any) bool {
	modes, _ := cfg["supportedColorModesList"].([]int)
	return len(modes) > 0
}
