package processor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fxsml/gomediate/exchange"
)

// Traced starts one span per stage invocation using tracer. The span ends
// when the stage completes and carries an error status when the exchange
// failed.
func Traced(tracer trace.Tracer) Middleware {
	return func(next Processor) Processor {
		name := Name(next)
		return named{name: name, Processor: ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
			ctx, span := tracer.Start(ctx, name,
				trace.WithAttributes(
					attribute.String("exchange.id", ex.ID),
					attribute.String("exchange.pattern", ex.Pattern.String()),
				),
			)
			return next.Process(ctx, ex, func(doneSync bool) {
				span.SetAttributes(attribute.Bool("stage.async", !doneSync))
				if err := ex.Err(); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				if ex.Stopped() {
					span.SetAttributes(attribute.Bool("exchange.stopped", true))
				}
				span.End()
				done(doneSync)
			})
		})}
	}
}
