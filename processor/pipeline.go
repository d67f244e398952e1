package processor

import (
	"context"

	"github.com/fxsml/gomediate/exchange"
)

// Pipeline runs stages in order. Routing ends early when a stage leaves a
// failure on the exchange or stops it. When a stage suspends, the next stage
// starts from that stage's callback, so call order is the same whether
// stages complete synchronously or not.
type Pipeline struct {
	stages []Processor
}

// NewPipeline returns a pipeline over stages.
func NewPipeline(stages ...Processor) *Pipeline {
	return &Pipeline{stages: stages}
}

// Name implements Namer.
func (p *Pipeline) Name() string { return "pipeline" }

// Process implements Processor.
func (p *Pipeline) Process(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
	return p.run(ctx, ex, 0, done, true)
}

func (p *Pipeline) run(ctx context.Context, ex *exchange.Exchange, from int, done Callback, sync bool) bool {
	for i := from; i < len(p.stages); i++ {
		if ex.Failed() || ex.Stopped() {
			break
		}
		if err := ctx.Err(); err != nil {
			ex.SetFailure(Name(p.stages[i]), err)
			break
		}

		stage := p.stages[i]
		next := i + 1
		resumed := func(doneSync bool) {
			if doneSync {
				return
			}
			attributeFailure(ex, stage)
			p.run(ctx, ex, next, done, false)
		}
		if !stage.Process(ctx, ex, resumed) {
			return false
		}
		attributeFailure(ex, stage)
	}
	done(sync)
	return sync
}

// attributeFailure names stage as the failure origin when the stage did not.
func attributeFailure(ex *exchange.Exchange, stage Processor) {
	if f := ex.Failure(); f != nil && f.Stage == "" {
		f.Stage = Name(stage)
	}
}
