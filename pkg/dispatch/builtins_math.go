package dispatch

import (
	"context"
	"math"

	"github.com/raskyld/particula/pkg/particle"
)

func binaryOp(op func(a, b float64) (any, error)) Handler {
	return func(_ context.Context, req particle.CallRequest) (any, error) {
		if err := exactly(req.Args, 2); err != nil {
			return nil, err
		}
		a, err := argNumber(req.Args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argNumber(req.Args, 1)
		if err != nil {
			return nil, err
		}
		return op(a, b)
	}
}

func integral(a, b float64) bool {
	return a == math.Trunc(a) && b == math.Trunc(b)
}

func registerMath(r *Registry) {
	r.MustRegister("math", "add", binaryOp(func(a, b float64) (any, error) { return a + b, nil }))
	r.MustRegister("math", "sub", binaryOp(func(a, b float64) (any, error) { return a - b, nil }))
	r.MustRegister("math", "mul", binaryOp(func(a, b float64) (any, error) { return a * b, nil }))
	r.MustRegister("math", "div", binaryOp(func(a, b float64) (any, error) {
		if b == 0 {
			return nil, badArgs("division by zero")
		}
		if integral(a, b) {
			return math.Trunc(a / b), nil
		}
		return a / b, nil
	}))
	r.MustRegister("math", "rem", binaryOp(func(a, b float64) (any, error) {
		if b == 0 {
			return nil, badArgs("division by zero")
		}
		return math.Mod(a, b), nil
	}))

	r.MustRegister("cmp", "gt", binaryOp(func(a, b float64) (any, error) { return a > b, nil }))
	r.MustRegister("cmp", "gte", binaryOp(func(a, b float64) (any, error) { return a >= b, nil }))
	r.MustRegister("cmp", "lt", binaryOp(func(a, b float64) (any, error) { return a < b, nil }))
	r.MustRegister("cmp", "lte", binaryOp(func(a, b float64) (any, error) { return a <= b, nil }))
	r.MustRegister("cmp", "cmp", binaryOp(func(a, b float64) (any, error) {
		switch {
		case a < b:
			return float64(-1), nil
		case a > b:
			return float64(1), nil
		}
		return float64(0), nil
	}))
}

func registerArray(r *Registry) {
	r.MustRegister("array", "length", func(_ context.Context, req particle.CallRequest) (any, error) {
		if err := exactly(req.Args, 1); err != nil {
			return nil, err
		}
		arr, err := argArray(req.Args, 0)
		if err != nil {
			return nil, err
		}
		return float64(len(arr)), nil
	})

	r.MustRegister("array", "sum", func(_ context.Context, req particle.CallRequest) (any, error) {
		if err := exactly(req.Args, 1); err != nil {
			return nil, err
		}
		arr, err := argArray(req.Args, 0)
		if err != nil {
			return nil, err
		}
		var sum float64
		for i := range arr {
			n, err := argNumber(arr, i)
			if err != nil {
				return nil, err
			}
			sum += n
		}
		return sum, nil
	})

	r.MustRegister("array", "dedup", func(_ context.Context, req particle.CallRequest) (any, error) {
		if err := exactly(req.Args, 1); err != nil {
			return nil, err
		}
		arr, err := argArray(req.Args, 0)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(arr))
		out := []any{}
		for _, v := range arr {
			k := valueKey(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
		return out, nil
	})

	setOp := func(keep bool) Handler {
		return func(_ context.Context, req particle.CallRequest) (any, error) {
			if err := exactly(req.Args, 2); err != nil {
				return nil, err
			}
			left, err := argArray(req.Args, 0)
			if err != nil {
				return nil, err
			}
			right, err := argArray(req.Args, 1)
			if err != nil {
				return nil, err
			}
			in := make(map[string]struct{}, len(right))
			for _, v := range right {
				in[valueKey(v)] = struct{}{}
			}
			out := []any{}
			for _, v := range left {
				if _, found := in[valueKey(v)]; found == keep {
					out = append(out, v)
				}
			}
			return out, nil
		}
	}
	r.MustRegister("array", "intersect", setOp(true))
	r.MustRegister("array", "diff", setOp(false))
}
