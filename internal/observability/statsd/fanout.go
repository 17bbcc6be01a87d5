package statsd

import "time"

// Fanout forwards every metric to each non-nil sink.
type Fanout []Sink

var _ Sink = Fanout(nil)

// NewFanout drops nil sinks. It returns nil when none remain.
func NewFanout(sinks ...Sink) Sink {
	var out Fanout
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if c, ok := s.(*Client); ok && c == nil {
			continue
		}
		if p, ok := s.(*PrometheusSink); ok && p == nil {
			continue
		}
		out = append(out, s)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// Count implements Sink.
func (f Fanout) Count(name string, value int64, tags map[string]string) {
	for _, s := range f {
		s.Count(name, value, tags)
	}
}

// Gauge implements Sink.
func (f Fanout) Gauge(name string, value float64, tags map[string]string) {
	for _, s := range f {
		s.Gauge(name, value, tags)
	}
}

// Timing implements Sink.
func (f Fanout) Timing(name string, value time.Duration, tags map[string]string) {
	for _, s := range f {
		s.Timing(name, value, tags)
	}
}
