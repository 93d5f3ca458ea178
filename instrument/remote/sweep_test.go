package remote

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/guseggert/remoteinstrument/instrument/validators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep(t *testing.T) {
	inst, _ := newTestInstrument(t)
	freq, err := inst.Parameter("freq")
	require.NoError(t, err)

	cases := []struct {
		name     string
		sweep    func() (*SweepValues, error)
		expected []any
		expErr   string
	}{
		{
			name:     "step up",
			sweep:    func() (*SweepValues, error) { return freq.Sweep(1, 2, 0.5) },
			expected: []any{1.0, 1.5, 2.0},
		},
		{
			name:     "step down",
			sweep:    func() (*SweepValues, error) { return freq.Sweep(3, 1, -1) },
			expected: []any{3.0, 2.0, 1.0},
		},
		{
			name:     "stop not on a step",
			sweep:    func() (*SweepValues, error) { return freq.Sweep(1, 2, 0.4) },
			expected: []any{1.0, 1.4, 1.8},
		},
		{
			name:   "wrong direction",
			sweep:  func() (*SweepValues, error) { return freq.Sweep(1, 2, -1) },
			expErr: "does not go from",
		},
		{
			name:   "zero step",
			sweep:  func() (*SweepValues, error) { return freq.Sweep(1, 2, 0) },
			expErr: "invalid step",
		},
		{
			name:   "step too small",
			sweep:  func() (*SweepValues, error) { return freq.Sweep(1, 2, 1e-300) },
			expErr: "more than 16777216 points",
		},
		{
			name:   "infinite stop",
			sweep:  func() (*SweepValues, error) { return freq.Sweep(1, math.Inf(1), 1) },
			expErr: "more than 16777216 points",
		},
		{
			name:   "span key with a tiny step",
			sweep:  func() (*SweepValues, error) { return freq.Index(Span{Start: 1, Stop: 2, Step: 1e-12}) },
			expErr: "more than 16777216 points",
		},
		{
			name:   "num too large",
			sweep:  func() (*SweepValues, error) { return freq.SweepNum(1, 2, 1<<30) },
			expErr: "more than 16777216 points",
		},
		{
			name:   "out of range",
			sweep:  func() (*SweepValues, error) { return freq.Sweep(0, 2, 1) },
			expErr: "out of range",
		},
		{
			name:     "num",
			sweep:    func() (*SweepValues, error) { return freq.SweepNum(10, 20, 3) },
			expected: []any{10.0, 15.0, 20.0},
		},
		{
			name:     "num of one",
			sweep:    func() (*SweepValues, error) { return freq.SweepNum(10, 20, 1) },
			expected: []any{10.0},
		},
		{
			name:   "num of zero",
			sweep:  func() (*SweepValues, error) { return freq.SweepNum(10, 20, 0) },
			expErr: "num must be at least 1",
		},
		{
			name: "index",
			sweep: func() (*SweepValues, error) {
				return freq.Index(100.0, Span{Start: 1, Stop: 2, Step: 1}, []any{7.0, 8.0})
			},
			expected: []any{100.0, 1.0, 2.0, 7.0, 8.0},
		},
		{
			name:   "empty index",
			sweep:  func() (*SweepValues, error) { return freq.Index() },
			expErr: "sweep has no values",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, err := c.sweep()
			if c.expErr != "" {
				require.ErrorContains(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, len(c.expected), s.Len())
			for i, v := range s.Values() {
				assert.InDelta(t, c.expected[i], v, 1e-9)
			}
			assert.Same(t, freq, s.Parameter())
		})
	}
}

func TestSweepInvalidValue(t *testing.T) {
	inst, _ := newTestInstrument(t)
	mode, err := inst.Parameter("mode")
	require.NoError(t, err)

	_, err = mode.Index("sine", "triangle")
	assert.ErrorIs(t, err, validators.ErrInvalid)
}

func TestSweepEach(t *testing.T) {
	inst, sess := newTestInstrument(t)
	ctx := context.Background()
	freq, err := inst.Parameter("freq")
	require.NoError(t, err)

	s, err := freq.Index(1.0, 2.0, 3.0)
	require.NoError(t, err)

	var seen []any
	err = s.Each(ctx, func(ctx context.Context, v any) error {
		got, err := freq.Get(ctx)
		if err != nil {
			return err
		}
		seen = append(seen, got)
		if v == 2.0 {
			return errors.New("stop")
		}
		return nil
	})
	assert.EqualError(t, err, "stop")
	assert.Equal(t, []any{1.0, 2.0}, seen)
	assert.Equal(t, 2.0, sess.values["freq"])
}
