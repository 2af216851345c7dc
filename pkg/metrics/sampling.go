package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events it receives.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     atomic.Uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{inner: OrNoop(inner), rate: rate, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.sampleEvery == 0 {
		return
	}
	if s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if n := s.counter.Add(1); n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
