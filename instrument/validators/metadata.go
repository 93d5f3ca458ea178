package validators

import (
	"fmt"
	"math"
)

// FromMetadata builds a Validator from the metadata a server attaches to a member, e.g.
//
//	{"type": "Numbers", "min_value": 0, "max_value": 10}
//
// A nil meta means the member is unconstrained.
func FromMetadata(meta any) (Validator, error) {
	if meta == nil {
		return Anything{}, nil
	}
	m, ok := meta.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("validator metadata must be an object, got %T", meta)
	}
	typ, _ := m["type"].(string)
	switch typ {
	case "", "Anything":
		return Anything{}, nil
	case "Bool":
		return Bool{}, nil
	case "Numbers":
		n := NewNumbers()
		if err := floatField(m, "min_value", &n.Min); err != nil {
			return nil, err
		}
		if err := floatField(m, "max_value", &n.Max); err != nil {
			return nil, err
		}
		if n.Min > n.Max {
			return nil, fmt.Errorf("Numbers: min_value %v > max_value %v", n.Min, n.Max)
		}
		return n, nil
	case "Ints":
		n := NewInts()
		if err := intField(m, "min_value", &n.Min); err != nil {
			return nil, fmt.Errorf("Ints: %w", err)
		}
		if err := intField(m, "max_value", &n.Max); err != nil {
			return nil, fmt.Errorf("Ints: %w", err)
		}
		if n.Min > n.Max {
			return nil, fmt.Errorf("Ints: min_value %d > max_value %d", n.Min, n.Max)
		}
		return n, nil
	case "Strings":
		var s Strings
		var minL, maxL float64
		if err := floatField(m, "min_length", &minL); err != nil {
			return nil, err
		}
		if err := floatField(m, "max_length", &maxL); err != nil {
			return nil, err
		}
		s.MinLength, s.MaxLength = int(minL), int(maxL)
		return s, nil
	case "Enum":
		values, ok := m["values"].([]any)
		if !ok || len(values) == 0 {
			return nil, fmt.Errorf("Enum: values must be a non-empty list")
		}
		return Enum{Values: values}, nil
	case "MultiType":
		subs, ok := m["validators"].([]any)
		if !ok || len(subs) == 0 {
			return nil, fmt.Errorf("MultiType: validators must be a non-empty list")
		}
		var mt MultiType
		for i, sub := range subs {
			v, err := FromMetadata(sub)
			if err != nil {
				return nil, fmt.Errorf("MultiType validator %d: %w", i, err)
			}
			mt.Validators = append(mt.Validators, v)
		}
		return mt, nil
	default:
		return nil, fmt.Errorf("unknown validator type %q", typ)
	}
}

func floatField(m map[string]any, key string, dst *float64) error {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return fmt.Errorf("%s must be a number, got %T", key, raw)
	}
	*dst = f
	return nil
}

// intField leaves dst alone when the key is missing, so unset bounds keep their full int64 range.
func intField(m map[string]any, key string, dst *int64) error {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return fmt.Errorf("%s must be a number, got %T", key, raw)
	}
	if f != math.Trunc(f) {
		return fmt.Errorf("%s must be an integer, got %v", key, f)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("%s %v is out of the int64 range", key, f)
	}
	*dst = int64(f)
	return nil
}

// Args validates the positional arguments of a function call.
type Args []Validator

// ArgsFromMetadata builds an Args from a list of validator metadata, one entry per argument.
func ArgsFromMetadata(meta any) (Args, error) {
	if meta == nil {
		return nil, nil
	}
	list, ok := meta.([]any)
	if !ok {
		return nil, fmt.Errorf("argument metadata must be a list, got %T", meta)
	}
	args := make(Args, 0, len(list))
	for i, m := range list {
		v, err := FromMetadata(m)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, v)
	}
	return args, nil
}

func (a Args) Validate(args ...any) error {
	if len(args) != len(a) {
		return fmt.Errorf("%w: expected %d arguments, got %d", ErrInvalid, len(a), len(args))
	}
	for i, v := range a {
		if err := v.Validate(args[i]); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}
