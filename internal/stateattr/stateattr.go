// Package stateattr maps semantic state names to display metadata.
package stateattr

// Attr is the default metadata for a state.
type Attr struct {
	Name  string
	Role  string
	Read  bool
	Write bool
	Unit  string
}

var table = map[string]Attr{
	// Device info
	"_online":           {Name: "Device online", Role: "indicator.connected", Read: true},
	"_connectionStatus": {Name: "Connection status", Role: "text", Read: true},
	"name":              {Name: "Device name", Role: "info.name", Read: true},
	"friendlyName":      {Name: "Friendly name", Role: "info.name", Read: true},
	"macAddress":        {Name: "MAC address", Role: "info.mac", Read: true},
	"esphomeVersion":    {Name: "ESPHome version", Role: "info.firmware", Read: true},
	"compilationTime":   {Name: "Compilation time", Role: "text", Read: true},
	"model":             {Name: "Model", Role: "info.hardware", Read: true},
	"manufacturer":      {Name: "Manufacturer", Role: "info.hardware", Read: true},
	"usesPassword":      {Name: "Uses password", Role: "indicator", Read: true},
	"hasDeepSleep":      {Name: "Deep sleep", Role: "indicator", Read: true},
	"projectName":       {Name: "Project name", Role: "text", Read: true},
	"projectVersion":    {Name: "Project version", Role: "text", Read: true},
	"webserverPort":     {Name: "Web server port", Role: "info.port", Read: true},
	"suggestedArea":     {Name: "Suggested area", Role: "text", Read: true},

	// Regular entities
	"state": {Name: "State", Role: "state", Read: true},

	// Cover
	"position": {Name: "Position of cover", Role: "level.blind", Read: true, Unit: "%"},
	"tilt":     {Name: "Tilt of cover", Role: "level.tilt", Read: true, Unit: "%"},
	"stop":     {Name: "STOP cover", Role: "button", Read: true},

	// Button and service triggers
	"SET": {Name: "Button", Role: "button", Read: true, Write: true},
	"run": {Name: "Run service", Role: "button", Read: true, Write: true},

	// Lock
	"command": {Name: "Lock command", Role: "level", Read: true, Write: true},

	// Light
	"brightness":       {Name: "Brightness", Role: "level.dimmer", Read: true},
	"colorBrightness":  {Name: "Color brightness", Role: "level.dimmer", Read: true},
	"red":              {Name: "Red", Role: "level.color.red", Read: true},
	"green":            {Name: "Green", Role: "level.color.green", Read: true},
	"blue":             {Name: "Blue", Role: "level.color.blue", Read: true},
	"white":            {Name: "White", Role: "level.color.white", Read: true},
	"coldWhite":        {Name: "Cold white", Role: "level.color.white", Read: true},
	"warmWhite":        {Name: "Warm white", Role: "level.color.white", Read: true},
	"colorTemperature": {Name: "Color temperature", Role: "level.color.temperature", Read: true},
	"colorMode":        {Name: "Color mode", Role: "value", Read: true},
	"colorHEX":         {Name: "Color HEX", Role: "level.color.rgb", Read: true},
	"effect":           {Name: "Effect", Role: "text", Read: true},
	"transitionLength": {Name: "Transition length", Role: "level.timer", Read: true, Unit: "ms"},
	"rgbAutoWhite":     {Name: "Use white channel for #FFFFFF", Role: "switch", Read: true},

	// Climate
	"currentTemperature":    {Name: "Current temperature", Role: "value.temperature", Read: true, Unit: "°C"},
	"targetTemperature":     {Name: "Target temperature", Role: "level.temperature", Read: true, Unit: "°C"},
	"targetTemperatureLow":  {Name: "Target temperature low", Role: "level.temperature", Read: true, Unit: "°C"},
	"targetTemperatureHigh": {Name: "Target temperature high", Role: "level.temperature", Read: true, Unit: "°C"},
	"mode":                  {Name: "Mode", Role: "level.mode", Read: true},
	"fanMode":               {Name: "Fan mode", Role: "level.mode.fan", Read: true},
	"swingMode":             {Name: "Swing mode", Role: "level.mode.swing", Read: true},
	"action":                {Name: "Action", Role: "value", Read: true},
	"preset":                {Name: "Preset", Role: "level.mode", Read: true},

	// Fan
	"oscillating": {Name: "Oscillating", Role: "switch", Read: true},
	"speed":       {Name: "Speed (legacy)", Role: "value", Read: true},
	"speedLevel":  {Name: "Speed level", Role: "level.speed", Read: true},
	"direction":   {Name: "Direction", Role: "value", Read: true},
}

// Lookup returns the metadata registered for name.
func Lookup(name string) (Attr, bool) {
	a, ok := table[name]
	return a, ok
}
