package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans emitted by this module.
const TracerName = "github.com/colthorp/fitsync-go"

// Tracer returns the module tracer from the global provider. With no provider
// installed it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
