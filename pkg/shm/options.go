package shm

import (
	"os"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmsync/pkg/shm"

// Option customizes Create, Open and Unlink.
type Option func(*options)

type options struct {
	cfg          Config
	expectedSize int
	waitReady    bool
	retry        backoff.BackOff
	tracer       trace.Tracer
	meter        metric.Meter
}

// WithConfig replaces the configuration. Options after it still apply.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.cfg = *cfg
		}
	}
}

// WithMode sets the permission bits of a created segment.
func WithMode(mode os.FileMode) Option {
	return func(o *options) { o.cfg.Mode = mode }
}

// WithDir places the segment under dir instead of /dev/shm.
func WithDir(dir string) Option {
	return func(o *options) { o.cfg.Dir = dir }
}

// WithAutoUnlink makes Close remove the name once no handle is attached.
func WithAutoUnlink(enabled bool) Option {
	return func(o *options) { o.cfg.AutoUnlink = enabled }
}

// WithExpectedSize makes Open fail with ErrSizeMismatch unless the segment
// length equals size rounded up to the page size.
func WithExpectedSize(size int) Option {
	return func(o *options) { o.expectedSize = size }
}

// WithWaitReady makes Open block until the owner calls MarkReady. The wait is
// bounded by the context passed to Open.
func WithWaitReady() Option {
	return func(o *options) { o.waitReady = true }
}

// WithRetry makes Open retry while the segment is missing or not yet
// initialized, pacing attempts with b.
func WithRetry(b backoff.BackOff) Option {
	return func(o *options) { o.retry = b }
}

// WithTracer sets the tracer used for Create and Open spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter sets the meter recording attach counts.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		cfg:    *DefaultConfig(),
		tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
		meter:  metricnoop.NewMeterProvider().Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := VerifyConfig(&o.cfg); err != nil {
		return nil, err
	}
	return o, nil
}
