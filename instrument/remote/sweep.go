package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Span is an evenly stepped range of values, stop included when it falls on a step.
type Span struct {
	Start float64
	Stop  float64
	Step  float64
}

const maxSpanPoints = 1 << 24

func (s Span) values() ([]any, error) {
	if s.Step == 0 || math.IsNaN(s.Step) || math.IsInf(s.Step, 0) {
		return nil, fmt.Errorf("invalid step %v", s.Step)
	}
	if (s.Stop-s.Start)*s.Step < 0 {
		return nil, fmt.Errorf("step %v does not go from %v to %v", s.Step, s.Start, s.Stop)
	}
	// tolerate float error on the last point
	count := math.Floor((s.Stop-s.Start)/s.Step+1e-10) + 1
	if math.IsNaN(count) || count > maxSpanPoints {
		return nil, fmt.Errorf("step %v from %v to %v gives more than %d points", s.Step, s.Start, s.Stop, maxSpanPoints)
	}
	n := int(count)
	out := make([]any, 0, n)
	for k := 0; k < n; k++ {
		out = append(out, s.Start+float64(k)*s.Step)
	}
	return out, nil
}

// SweepValues is a validated list of values for one parameter.
type SweepValues struct {
	param  *Parameter
	values []any
}

func (s *SweepValues) Parameter() *Parameter { return s.param }

func (s *SweepValues) Values() []any {
	out := make([]any, len(s.values))
	copy(out, s.values)
	return out
}

func (s *SweepValues) Len() int { return len(s.values) }

// Each sets the parameter to each value in turn and calls fn after every set.
// It stops at the first error.
func (s *SweepValues) Each(ctx context.Context, fn func(ctx context.Context, value any) error) error {
	for _, v := range s.values {
		if err := s.param.Set(ctx, v); err != nil {
			return err
		}
		if fn == nil {
			continue
		}
		if err := fn(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parameter) newSweep(values []any) (*SweepValues, error) {
	if len(values) == 0 {
		return nil, errors.New("sweep has no values")
	}
	for _, v := range values {
		if err := p.Validate(v); err != nil {
			return nil, err
		}
	}
	return &SweepValues{param: p, values: values}, nil
}

// Sweep builds the values from start to stop in increments of step.
func (p *Parameter) Sweep(start, stop, step float64) (*SweepValues, error) {
	values, err := Span{Start: start, Stop: stop, Step: step}.values()
	if err != nil {
		return nil, fmt.Errorf("sweeping %s: %w", p.name, err)
	}
	return p.newSweep(values)
}

// SweepNum builds num evenly spaced values from start to stop, both included.
func (p *Parameter) SweepNum(start, stop float64, num int) (*SweepValues, error) {
	if num < 1 {
		return nil, fmt.Errorf("sweeping %s: num must be at least 1, got %d", p.name, num)
	}
	if num > maxSpanPoints {
		return nil, fmt.Errorf("sweeping %s: num %d is more than %d points", p.name, num, maxSpanPoints)
	}
	values := make([]any, 0, num)
	if num == 1 {
		values = append(values, start)
	} else {
		step := (stop - start) / float64(num-1)
		for k := 0; k < num-1; k++ {
			values = append(values, start+float64(k)*step)
		}
		values = append(values, stop)
	}
	return p.newSweep(values)
}

// Index builds sweep values from keys, which may be plain values, Spans or []any of those, e.g.
//
//	p.Index(0.0, Span{Start: 1, Stop: 2, Step: 0.5}, 10.0)
func (p *Parameter) Index(keys ...any) (*SweepValues, error) {
	var values []any
	var expand func(keys []any) error
	expand = func(keys []any) error {
		for _, k := range keys {
			switch key := k.(type) {
			case Span:
				vs, err := key.values()
				if err != nil {
					return err
				}
				values = append(values, vs...)
			case []any:
				if err := expand(key); err != nil {
					return err
				}
			default:
				values = append(values, k)
			}
		}
		return nil
	}
	if err := expand(keys); err != nil {
		return nil, fmt.Errorf("indexing %s: %w", p.name, err)
	}
	return p.newSweep(values)
}
