// Package adapter connects shmsync segments to external observability
// providers.
package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/srediag/shmsync/pkg/shm"
)

// InstrumentationName identifies shmsync spans and instruments.
const InstrumentationName = "github.com/srediag/shmsync"

// OTelOptions returns segment options that report through the global
// OpenTelemetry tracer and meter providers. Until the application installs
// providers, the globals discard everything.
func OTelOptions() []shm.Option {
	return []shm.Option{
		shm.WithTracer(otel.Tracer(InstrumentationName)),
		shm.WithMeter(otel.Meter(InstrumentationName)),
	}
}
