package nativeapi

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeFillsDefaults(t *testing.T) {
	p := platformsByState[24]
	payload := message(nil).fixed32(1, 42).boolean(2, true).float(3, 0.5).str(9, "Rainbow")

	ev, err := decodeState(p, payload)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Key != 42 || ev.Type != Light {
		t.Errorf("key/type = %d/%s, want 42/Light", ev.Key, ev.Type)
	}
	if ev.State["state"] != true {
		t.Errorf("state = %v, want true", ev.State["state"])
	}
	if ev.State["brightness"] != 0.5 {
		t.Errorf("brightness = %v, want 0.5", ev.State["brightness"])
	}
	if ev.State["effect"] != "Rainbow" {
		t.Errorf("effect = %v", ev.State["effect"])
	}
	// Absent fields come back as zero values.
	if ev.State["red"] != 0.0 {
		t.Errorf("red = %#v, want 0.0", ev.State["red"])
	}
	if ev.State["colorMode"] != 0 {
		t.Errorf("colorMode = %#v, want 0", ev.State["colorMode"])
	}
}

func TestDecodeSwitchOff(t *testing.T) {
	ev, err := decodeState(platformsByState[26], message(nil).fixed32(1, 7))
	if err != nil {
		t.Fatal(err)
	}
	if ev.State["state"] != false {
		t.Errorf("state = %#v, want false", ev.State["state"])
	}
}

func TestDecodeFanLegacySpeed(t *testing.T) {
	ev, err := decodeState(platformsByState[23], message(nil).fixed32(1, 3).boolean(2, true).uint(4, 2).uint(6, 5))
	if err != nil {
		t.Fatal(err)
	}
	if ev.State["speed"] != 2 || ev.State["speedLevel"] != 5 {
		t.Errorf("speed = %#v, speedLevel = %#v", ev.State["speed"], ev.State["speedLevel"])
	}
}

func TestRawFields(t *testing.T) {
	payload := message(nil).str(1, "valve").fixed32(2, 9).uint(5, 3).uint(5, 4).bytes(6, []byte{0xff, 0x00})
	got := rawFields(payload)
	if got["1"] != "valve" || got["2"] != uint32(9) || got["6"] != "ff00" {
		t.Errorf("fields = %#v", got)
	}
	list, ok := got["5"].([]any)
	if !ok || len(list) != 2 || list[0] != uint64(3) || list[1] != uint64(4) {
		t.Errorf("repeated field = %#v", got["5"])
	}
	if len(rawFields([]byte{0x0a, 0x05, 'a'})) != 0 {
		t.Error("truncated payload decoded")
	}
}

func TestDecodeEntityRepeatedFields(t *testing.T) {
	// Packed color modes plus unpacked effects.
	var packed []byte
	for _, m := range []uint64{1, 3, 35} {
		packed = protowire.AppendVarint(packed, m)
	}
	payload := message(nil).
		str(1, "strip").
		fixed32(2, 99).
		str(3, "LED Strip").
		bytes(12, packed).
		str(11, "None").
		str(11, "Rainbow").
		float(9, 153)

	ent, err := decodeEntity(platformsByList[15], payload)
	if err != nil {
		t.Fatal(err)
	}
	if ent.Key != 99 || ent.ObjectID != "strip" || ent.Name != "LED Strip" {
		t.Errorf("entity = %+v", ent)
	}
	modes, _ := ent.Config["supportedColorModesList"].([]int)
	if len(modes) != 3 || modes[2] != 35 {
		t.Errorf("color modes = %v, want [1 3 35]", modes)
	}
	effects, _ := ent.Config["effectsList"].([]string)
	if len(effects) != 2 || effects[1] != "Rainbow" {
		t.Errorf("effects = %v", effects)
	}
	if ent.Config["minMireds"] != 153.0 {
		t.Errorf("minMireds = %v", ent.Config["minMireds"])
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	payload := message(nil).fixed32(1, 5).str(50, "future").boolean(2, true)
	ev, err := decodeState(platformsByState[21], payload)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Key != 5 || ev.State["state"] != true {
		t.Errorf("state = %+v", ev.State)
	}
}

func TestDecodeTruncated(t *testing.T) {
	payload := message(nil).str(1, "relay")
	if _, err := entityHeader.decode(payload[:len(payload)-2]); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestFloat32To64(t *testing.T) {
	tests := []struct {
		in   float32
		want float64
	}{
		{0.1, 0.1},
		{21.5, 21.5},
		{-3.3, -3.3},
	}
	for _, tt := range tests {
		if got := float32To64(tt.in); got != tt.want {
			t.Errorf("float32To64(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeService(t *testing.T) {
	arg1 := message(nil).str(1, "brightness").int32(2, int32(ArgFloat))
	arg2 := message(nil).str(1, "names").int32(2, int32(ArgStringArray))
	payload := message(nil).str(1, "set_scene").fixed32(2, 1234).bytes(3, arg1).bytes(3, arg2)

	svc, err := decodeService(payload)
	if err != nil {
		t.Fatal(err)
	}
	if svc.Name != "set_scene" || svc.Key != 1234 {
		t.Errorf("service = %+v", svc)
	}
	if len(svc.Args) != 2 {
		t.Fatalf("args = %d, want 2", len(svc.Args))
	}
	if svc.Args[0].Name != "brightness" || svc.Args[0].Type != ArgFloat {
		t.Errorf("arg0 = %+v", svc.Args[0])
	}
	if svc.Args[1].Type != ArgStringArray || !svc.Args[1].Type.IsArray() {
		t.Errorf("arg1 = %+v", svc.Args[1])
	}
}

func TestEncodeLightFlags(t *testing.T) {
	on := true
	bright := float32(0.5)
	tl := uint32(2000)
	payload := encodeLight(LightCommand{
		Key:              3,
		State:            &on,
		Brightness:       &bright,
		RGB:              &RGBColor{Red: 1},
		TransitionLength: &tl,
	})

	got, err := schema{
		{1, "key", kFixed32},
		{2, "hasState", kBool},
		{3, "state", kBool},
		{4, "hasBrightness", kBool},
		{5, "brightness", kFloat},
		{6, "hasRgb", kBool},
		{7, "red", kFloat},
		{8, "green", kFloat},
		{10, "hasWhite", kBool},
		{14, "hasTransition", kBool},
		{15, "transition", kUint32},
		{18, "hasEffect", kBool},
	}.decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]any{
		"key":           uint32(3),
		"hasState":      true,
		"state":         true,
		"hasBrightness": true,
		"brightness":    0.5,
		"hasRgb":        true,
		"red":           1.0,
		"green":         0.0,
		"hasWhite":      false,
		"hasTransition": true,
		"transition":    2000,
		"hasEffect":     false,
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("%s = %#v, want %#v", k, got[k], want)
		}
	}
}

func TestEncodeServiceArgs(t *testing.T) {
	payload := encodeExecuteService(ExecuteServiceCommand{
		Key: 9,
		Args: []ServiceArgValue{
			{Type: ArgInt, Int: -2},
			{Type: ArgIntArray, Ints: []int32{1, -1}},
			{Type: ArgStringArray, Strings: []string{"a", "b"}},
		},
	})

	var args [][]byte
	b := []byte(payload)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		b = b[n:]
		if num == 2 && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			args = append(args, v)
			b = b[m:]
			continue
		}
		b = b[protowire.ConsumeFieldValue(num, typ, b):]
	}
	if len(args) != 3 {
		t.Fatalf("args = %d, want 3", len(args))
	}

	intArg, err := schema{{5, "int", kSint32}, {2, "legacy", kInt32}}.decode(args[0])
	if err != nil {
		t.Fatal(err)
	}
	if intArg["int"] != -2 || intArg["legacy"] != -2 {
		t.Errorf("int arg = %v", intArg)
	}

	_, typ, n := protowire.ConsumeTag(args[1])
	if typ != protowire.BytesType {
		t.Fatalf("int array wire type = %v, want packed bytes", typ)
	}
	packed, _ := protowire.ConsumeBytes(args[1][n:])
	v1, m := protowire.ConsumeVarint(packed)
	v2, _ := protowire.ConsumeVarint(packed[m:])
	if protowire.DecodeZigZag(v1) != 1 || protowire.DecodeZigZag(v2) != -1 {
		t.Errorf("int array = %d,%d", protowire.DecodeZigZag(v1), protowire.DecodeZigZag(v2))
	}

	strs, err := schema{{9, "list", kStrings}}.decode(args[2])
	if err != nil {
		t.Fatal(err)
	}
	if l := strs["list"].([]string); len(l) != 2 || l[0] != "a" {
		t.Errorf("string array = %v", l)
	}
}

func TestServiceArgTypeNames(t *testing.T) {
	if ArgFloatArray.String() != "FloatArray" {
		t.Errorf("String = %q", ArgFloatArray.String())
	}
	got, ok := ParseServiceArgType("stringarray")
	if !ok || got != ArgStringArray {
		t.Errorf("Parse = %v, %v", got, ok)
	}
	if _, ok := ParseServiceArgType("map"); ok {
		t.Error("unknown type parsed")
	}
}
