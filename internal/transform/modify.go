// Package transform converts values between the native-API representation
// and the representation stored in the object tree.
package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrUnsupported is returned for the "custom:" expression mode, which
	// would evaluate arbitrary code and is not available.
	ErrUnsupported = errors.New("custom transform is not supported")

	// ErrBadMethod is returned for unknown or malformed methods.
	ErrBadMethod = errors.New("unknown transform method")
)

// Modify applies a named transform to value. Methods are matched
// case-insensitively:
//
//	multiply(x) divide(x) round(n) add(x) subtract(x)
//	uppercase lowercase ucfirst
//
// "substract(x)" is accepted as an alias of subtract. Numeric methods
// return float64 and leave non-numeric input untouched; case methods leave
// non-string input untouched. On error the input value is returned.
func Modify(method string, value any) (any, error) {
	method = strings.TrimSpace(method)
	lower := strings.ToLower(method)
	if strings.HasPrefix(lower, "custom:") {
		return value, ErrUnsupported
	}

	name, arg, hasArg, err := parseMethod(lower)
	if err != nil {
		return value, err
	}

	switch name {
	case "uppercase", "lowercase", "ucfirst":
		if hasArg {
			return value, fmt.Errorf("%w: %q takes no argument", ErrBadMethod, method)
		}
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		switch name {
		case "uppercase":
			return strings.ToUpper(s), nil
		case "lowercase":
			return strings.ToLower(s), nil
		default:
			return ucFirst(s), nil
		}
	case "multiply", "divide", "round", "add", "subtract", "substract":
	default:
		return value, fmt.Errorf("%w: %q", ErrBadMethod, method)
	}

	if !hasArg {
		return value, fmt.Errorf("%w: %q needs an argument", ErrBadMethod, method)
	}
	n, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return value, fmt.Errorf("%w: %q: %v", ErrBadMethod, method, err)
	}
	v, ok := ToFloat(value)
	if !ok {
		return value, nil
	}

	switch name {
	case "multiply":
		return v * n, nil
	case "divide":
		if n == 0 {
			return value, fmt.Errorf("%w: division by zero", ErrBadMethod)
		}
		return v / n, nil
	case "round":
		return Round(v, int(n)), nil
	case "add":
		return v + n, nil
	default:
		return v - n, nil
	}
}

// parseMethod splits "name(arg)" into its parts.
func parseMethod(m string) (name, arg string, hasArg bool, err error) {
	open := strings.IndexByte(m, '(')
	if open < 0 {
		return m, "", false, nil
	}
	if !strings.HasSuffix(m, ")") {
		return "", "", false, fmt.Errorf("%w: %q", ErrBadMethod, m)
	}
	return m[:open], strings.TrimSpace(m[open+1 : len(m)-1]), true, nil
}

// Round rounds v to the given number of decimals, halves rounding up.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return roundHalfUp(v*p) / p
}

func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}

func ucFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[:1])) + strings.ToLower(string(r[1:]))
}
