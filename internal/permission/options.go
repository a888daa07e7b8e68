package permission

import "time"

type options struct {
	defaults []string
	now      func() time.Time
}

// Option configures an evaluator.
type Option func(*options)

// WithDefaults sets nodes every subject implicitly holds. Defaults are not
// stored and cannot be revoked.
func WithDefaults(nodes ...string) Option {
	return func(o *options) { o.defaults = append([]string(nil), nodes...) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
