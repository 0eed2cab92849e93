package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrBadArgs = errors.New("dispatch: invalid arguments")

func badArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadArgs, fmt.Sprintf(format, args...))
}

func exactly(args []any, n int) error {
	if len(args) != n {
		return badArgs("expected %d argument(s), got %d", n, len(args))
	}
	return nil
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", badArgs("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", badArgs("argument %d must be a string, got %T", i, args[i])
	}
	return s, nil
}

func argArray(args []any, i int) ([]any, error) {
	if i >= len(args) {
		return nil, badArgs("missing argument %d", i)
	}
	arr, ok := args[i].([]any)
	if !ok {
		return nil, badArgs("argument %d must be an array, got %T", i, args[i])
	}
	return arr, nil
}

func argNumber(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, badArgs("missing argument %d", i)
	}
	f, ok := toFloat(args[i])
	if !ok {
		return 0, badArgs("argument %d must be a number, got %T", i, args[i])
	}
	return f, nil
}

// argBytes accepts either a string or an array of byte values.
func argBytes(args []any, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, badArgs("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case []any:
		buf := make([]byte, len(v))
		for j, e := range v {
			f, ok := toFloat(e)
			if !ok || f < 0 || f > 255 || f != math.Trunc(f) {
				return nil, badArgs("argument %d[%d] is not a byte", i, j)
			}
			buf[j] = byte(f)
		}
		return buf, nil
	}
	return nil, badArgs("argument %d must be bytes, got %T", i, args[i])
}

func bytesToArray(buf []byte) []any {
	arr := make([]any, len(buf))
	for i, b := range buf {
		arr[i] = float64(b)
	}
	return arr
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// valueKey identifies a value for set operations.
func valueKey(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(buf)
}
