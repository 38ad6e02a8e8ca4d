// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"fmt"

	"go.uber.org/atomic"
)

// Sampler lets through one event every freq. A nil Sampler lets every event through.
type Sampler struct {
	freq  int64
	count atomic.Int64
}

// NewSampler returns a Sampler keeping 1 event out of freq, or nil if freq is 0.
func NewSampler(freq int64) *Sampler {
	if freq <= 0 {
		return nil
	}
	return &Sampler{freq: freq}
}

// Sample returns whether the current event should be kept.
func (s *Sampler) Sample() bool {
	if s == nil {
		return true
	}
	count := s.count.Inc()
	return (count-1)%s.freq == 0
}

// String describes the sampling ratio, suitable for a log field.
func (s *Sampler) String() string {
	if s == nil {
		return "1/1"
	}
	return fmt.Sprintf("1/%d", s.freq)
}
