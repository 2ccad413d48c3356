package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
	apperrors "github.com/meridianhealth/procedure-advisor/pkg/errors"
)

// Input is one evaluation request: the answer under test and the retrieved
// context it should be grounded in. Reference is optional; without it only
// the two answer-centric metrics are computable.
type Input struct {
	Query     string
	Answer    string
	Contexts  []string
	Reference string
}

// Worker runs evaluation in a dedicated goroutine, communicating purely by
// message passing. Scoring libraries that cannot coexist with the request
// path's concurrency stay isolated here: a panic or a hang costs one
// diagnostic, never the recommendation request.
type Worker struct {
	jobs    chan job
	stop    chan struct{}
	timeout time.Duration
}

type job struct {
	input Input
	reply chan outcome
}

type outcome struct {
	scores entities.EvaluationScores
	err    error
}

// NewWorker creates and starts an evaluation worker.
func NewWorker(timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	w := &Worker{
		jobs:    make(chan job),
		stop:    make(chan struct{}),
		timeout: timeout,
	}
	go w.run()
	return w
}

// Close stops the worker. In-flight evaluations finish; queued callers get
// an error.
func (w *Worker) Close() {
	close(w.stop)
}

func (w *Worker) run() {
	for {
		select {
		case <-w.stop:
			return
		case j := <-w.jobs:
			j.reply <- safeScore(j.input)
		}
	}
}

// safeScore computes the scores, converting a panic into an error.
func safeScore(in Input) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: apperrors.NewEvaluationError(fmt.Sprintf("evaluation panicked: %v", r), nil)}
		}
	}()
	out = outcome{scores: Score(in)}
	return out
}

// Score computes all applicable metrics for the input. Metrics that need a
// reference answer are reported not-applicable when none is given, never
// silently zero.
func Score(in Input) entities.EvaluationScores {
	scores := entities.EvaluationScores{
		Faithfulness: entities.EvaluationMetric{
			Value:      Faithfulness(in.Answer, in.Contexts),
			Applicable: true,
		},
		AnswerRelevancy: entities.EvaluationMetric{
			Value:      AnswerRelevancy(in.Query, in.Answer),
			Applicable: true,
		},
	}

	if in.Reference == "" {
		scores.ContextPrecision = entities.EvaluationMetric{
			Applicable: false,
			Error:      "requires a reference answer",
		}
		scores.ContextRecall = entities.EvaluationMetric{
			Applicable: false,
			Error:      "requires a reference answer",
		}
		return scores
	}

	scores.ContextPrecision = entities.EvaluationMetric{
		Value:      ContextPrecision(in.Reference, in.Contexts),
		Applicable: true,
	}
	scores.ContextRecall = entities.EvaluationMetric{
		Value:      ContextRecall(in.Reference, in.Contexts),
		Applicable: true,
	}
	return scores
}

// Evaluate submits one input to the worker and waits for the result, the
// context, or the worker timeout, whichever comes first.
func (w *Worker) Evaluate(ctx context.Context, in Input) (*entities.EvaluationScores, error) {
	reply := make(chan outcome, 1)
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case w.jobs <- job{input: in, reply: reply}:
	case <-ctx.Done():
		return nil, apperrors.NewEvaluationError("evaluation canceled before it started", ctx.Err())
	case <-w.stop:
		return nil, apperrors.NewEvaluationError("evaluation worker is stopped", nil)
	case <-timer.C:
		return nil, apperrors.NewEvaluationError("evaluation worker is saturated", nil)
	}

	select {
	case out := <-reply:
		if out.err != nil {
			return nil, out.err
		}
		return &out.scores, nil
	case <-ctx.Done():
		return nil, apperrors.NewEvaluationError("evaluation canceled", ctx.Err())
	case <-timer.C:
		return nil, apperrors.NewEvaluationError("evaluation timed out", nil)
	}
}
