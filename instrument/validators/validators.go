// Package validators checks values against the constraints a server reports for parameters and functions.
// Validation runs locally, so invalid values are rejected without a round trip.
package validators

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid value")

type Validator interface {
	Validate(v any) error
}

// Anything accepts every value.
type Anything struct{}

func (Anything) Validate(any) error { return nil }

type Bool struct{}

func (Bool) Validate(v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("%w: %v is not a bool", ErrInvalid, v)
	}
	return nil
}

// Numbers accepts any real number in [Min, Max].
type Numbers struct {
	Min float64
	Max float64
}

func NewNumbers() Numbers { return Numbers{Min: math.Inf(-1), Max: math.Inf(1)} }

func (n Numbers) Validate(v any) error {
	f, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("%w: %v is not a number", ErrInvalid, v)
	}
	if math.IsNaN(f) || f < n.Min || f > n.Max {
		return fmt.Errorf("%w: %v is out of range [%v, %v]", ErrInvalid, v, n.Min, n.Max)
	}
	return nil
}

// Ints accepts integral numbers in [Min, Max]. Floats with no fractional part count as integers,
// since that is how JSON numbers are decoded.
type Ints struct {
	Min int64
	Max int64
}

func NewInts() Ints { return Ints{Min: math.MinInt64, Max: math.MaxInt64} }

func (n Ints) Validate(v any) error {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return fmt.Errorf("%w: %v is not an integer", ErrInvalid, v)
	}
	if f < float64(n.Min) || f > float64(n.Max) {
		return fmt.Errorf("%w: %v is out of range [%d, %d]", ErrInvalid, v, n.Min, n.Max)
	}
	return nil
}

// Strings accepts strings whose length in runes is in [MinLength, MaxLength].
// A MaxLength of 0 means unbounded.
type Strings struct {
	MinLength int
	MaxLength int
}

func (s Strings) Validate(v any) error {
	str, ok := v.(string)
	if !ok {
		return fmt.Errorf("%w: %v is not a string", ErrInvalid, v)
	}
	n := utf8.RuneCountInString(str)
	if n < s.MinLength || (s.MaxLength > 0 && n > s.MaxLength) {
		return fmt.Errorf("%w: length of %q is out of range [%d, %d]", ErrInvalid, str, s.MinLength, s.MaxLength)
	}
	return nil
}

// Enum accepts exactly the listed values. Numbers compare by value regardless of their Go type.
type Enum struct {
	Values []any
}

func (e Enum) Validate(v any) error {
	for _, allowed := range e.Values {
		if equal(allowed, v) {
			return nil
		}
	}
	return fmt.Errorf("%w: %v is not one of %v", ErrInvalid, v, e.Values)
}

// MultiType accepts a value if any of its validators does.
type MultiType struct {
	Validators []Validator
}

func (m MultiType) Validate(v any) error {
	var errs []error
	for _, val := range m.Validators {
		err := val.Validate(v)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%w: no validator accepted %v: %w", ErrInvalid, v, errors.Join(errs...))
}

func equal(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
	}
	return 0, false
}
