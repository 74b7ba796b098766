package nativeapi

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

type fieldKind uint8

const (
	kBool fieldKind = iota
	kUint32
	kInt32
	kSint32
	kEnum
	kFloat
	kFixed32
	kString
	kStrings
	kEnums
)

func (k fieldKind) zero() any {
	switch k {
	case kBool:
		return false
	case kFloat:
		return 0.0
	case kFixed32:
		return uint32(0)
	case kString:
		return ""
	case kStrings:
		return []string{}
	case kEnums:
		return []int{}
	default:
		return 0
	}
}

type field struct {
	num  protowire.Number
	name string
	kind fieldKind
}

// schema describes one message. Decoding fills every field, absent ones with
// their zero value, so a switch reported off still yields state=false.
type schema []field

func (s schema) lookup(num protowire.Number) (field, bool) {
	for _, f := range s {
		if f.num == num {
			return f, true
		}
	}
	return field{}, false
}

func (s schema) decode(b []byte) (map[string]any, error) {
	out := make(map[string]any, len(s))
	for _, f := range s {
		out[f.name] = f.kind.zero()
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		f, ok := s.lookup(num)
		if !ok {
			n = protowire.ConsumeFieldValue(num, typ, b)
		} else {
			n = f.consume(out, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return out, nil
}

func (f field) consume(out map[string]any, typ protowire.Type, b []byte) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return n
		}
		switch f.kind {
		case kBool:
			out[f.name] = v != 0
		case kUint32:
			out[f.name] = int(uint32(v))
		case kInt32, kEnum:
			out[f.name] = int(int32(v))
		case kSint32:
			out[f.name] = int(int32(protowire.DecodeZigZag(v)))
		case kEnums:
			out[f.name] = append(out[f.name].([]int), int(int32(v)))
		}
		return n
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return n
		}
		switch f.kind {
		case kFloat:
			out[f.name] = float32To64(math.Float32frombits(v))
		case kFixed32:
			out[f.name] = v
		}
		return n
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch f.kind {
		case kString:
			out[f.name] = string(v)
		case kStrings:
			out[f.name] = append(out[f.name].([]string), string(v))
		case kEnums:
			list := out[f.name].([]int)
			for len(v) > 0 {
				e, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m
				}
				list = append(list, int(int32(e)))
				v = v[m:]
			}
			out[f.name] = list
		}
		return n
	default:
		return protowire.ConsumeFieldValue(f.num, typ, b)
	}
}

// float32To64 widens using the shortest decimal form, so 0.1 stays 0.1.
func float32To64(f float32) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil {
		return float64(f)
	}
	return v
}

// rawFields decodes a payload without a schema. Keys are field numbers;
// printable length-delimited values become strings, repeated fields lists.
func rawFields(b []byte) map[string]any {
	out := make(map[string]any)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			break
		}
		b = b[n:]
		var v any
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			v, n = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if utf8.Valid(raw) {
				v = string(raw)
			} else {
				v = hex.EncodeToString(raw)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			break
		}
		b = b[n:]
		if v == nil {
			continue
		}
		key := strconv.Itoa(int(num))
		switch prev := out[key].(type) {
		case nil:
			out[key] = v
		case []any:
			out[key] = append(prev, v)
		default:
			out[key] = []any{prev, v}
		}
	}
	return out
}

// message is a proto3 encoder. Scalar setters omit zero values.
type message []byte

func (m message) fixed32(num protowire.Number, v uint32) message {
	m = protowire.AppendTag(m, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(m, v)
}

func (m message) boolean(num protowire.Number, v bool) message {
	if !v {
		return m
	}
	m = protowire.AppendTag(m, num, protowire.VarintType)
	return protowire.AppendVarint(m, 1)
}

func (m message) uint(num protowire.Number, v uint64) message {
	if v == 0 {
		return m
	}
	m = protowire.AppendTag(m, num, protowire.VarintType)
	return protowire.AppendVarint(m, v)
}

func (m message) int32(num protowire.Number, v int32) message {
	if v == 0 {
		return m
	}
	m = protowire.AppendTag(m, num, protowire.VarintType)
	return protowire.AppendVarint(m, uint64(int64(v)))
}

func (m message) sint32(num protowire.Number, v int32) message {
	if v == 0 {
		return m
	}
	m = protowire.AppendTag(m, num, protowire.VarintType)
	return protowire.AppendVarint(m, protowire.EncodeZigZag(int64(v)))
}

func (m message) float(num protowire.Number, v float32) message {
	if v == 0 {
		return m
	}
	m = protowire.AppendTag(m, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(m, math.Float32bits(v))
}

func (m message) str(num protowire.Number, s string) message {
	if s == "" {
		return m
	}
	m = protowire.AppendTag(m, num, protowire.BytesType)
	return protowire.AppendString(m, s)
}

func (m message) bytes(num protowire.Number, b []byte) message {
	m = protowire.AppendTag(m, num, protowire.BytesType)
	return protowire.AppendBytes(m, b)
}
