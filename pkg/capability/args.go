package capability

import (
	"fmt"
	"math"
	"reflect"
)

// Args holds the named arguments of an invocation.
// Values arrive CBOR-decoded, so integers may be uint64 or int64 and
// floating point values float64.
type Args map[string]any

// Validate checks args against the operation's parameter list. Unknown names,
// missing required parameters and type mismatches all yield ErrInvalidArgs.
func (a Args) Validate(op *Operation) error {
	for name, v := range a {
		p, ok := op.Param(name)
		if !ok {
			return fmt.Errorf("%w: %s: unexpected argument %q", ErrInvalidArgs, op.Name, name)
		}
		if !matches(p.Type, v) {
			return fmt.Errorf("%w: %s: argument %q must be %s, got %T", ErrInvalidArgs, op.Name, name, p.Type, v)
		}
	}
	for _, p := range op.Params {
		if _, ok := a[p.Name]; p.Required && !ok {
			return fmt.Errorf("%w: %s: missing argument %q", ErrInvalidArgs, op.Name, p.Name)
		}
	}
	return nil
}

func matches(t ParamType, v any) bool {
	switch t {
	case ParamNumber:
		_, ok := toFloat(v)
		return ok
	case ParamInt:
		_, ok := toInt(v)
		return ok
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamBytes:
		_, ok := v.([]byte)
		return ok
	case ParamList:
		if v == nil {
			return false
		}
		if _, isBytes := v.([]byte); isBytes {
			return false
		}
		return reflect.TypeOf(v).Kind() == reflect.Slice
	default:
		return false
	}
}

// Float returns the named argument as a float64.
func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing argument %q", ErrInvalidArgs, name)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: argument %q is not a number", ErrInvalidArgs, name)
	}
	return f, nil
}

// Int returns the named argument as an int64.
func (a Args) Int(name string) (int64, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing argument %q", ErrInvalidArgs, name)
	}
	i, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: argument %q is not an integer", ErrInvalidArgs, name)
	}
	return i, nil
}

// String returns the named argument as a string.
func (a Args) String(name string) (string, error) {
	s, ok := a[name].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %q is not a string", ErrInvalidArgs, name)
	}
	return s, nil
}

// StringOr returns the named string argument, or def when absent.
func (a Args) StringOr(name, def string) string {
	if s, ok := a[name].(string); ok {
		return s
	}
	return def
}

// Bool returns the named argument as a bool.
func (a Args) Bool(name string) (bool, error) {
	b, ok := a[name].(bool)
	if !ok {
		return false, fmt.Errorf("%w: argument %q is not a bool", ErrInvalidArgs, name)
	}
	return b, nil
}

// Bytes returns the named argument as a byte slice.
func (a Args) Bytes(name string) ([]byte, error) {
	b, ok := a[name].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: argument %q is not a byte string", ErrInvalidArgs, name)
	}
	return b, nil
}

// List returns the named argument as a slice of values.
func (a Args) List(name string) ([]any, error) {
	v, ok := a[name]
	if !ok || !matches(ParamList, v) {
		return nil, fmt.Errorf("%w: argument %q is not a list", ErrInvalidArgs, name)
	}
	if l, ok := v.([]any); ok {
		return l, nil
	}
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
