package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/meridianhealth/procedure-advisor/pkg/errors"
)

func TestWorker_Evaluate(t *testing.T) {
	w := NewWorker(5 * time.Second)
	defer w.Close()

	scores, err := w.Evaluate(context.Background(), Input{
		Query:    "acute chest pain",
		Answer:   "acute chest pain with elevated troponin",
		Contexts: sampleContexts,
	})
	require.NoError(t, err)
	require.NotNil(t, scores)

	assert.True(t, scores.Faithfulness.Applicable)
	assert.False(t, scores.ContextRecall.Applicable)
}

func TestWorker_SequentialRequests(t *testing.T) {
	w := NewWorker(5 * time.Second)
	defer w.Close()

	for i := 0; i < 10; i++ {
		_, err := w.Evaluate(context.Background(), Input{
			Query:    "query",
			Answer:   "answer text",
			Contexts: sampleContexts,
		})
		require.NoError(t, err)
	}
}

func TestWorker_ClosedWorkerRejects(t *testing.T) {
	w := NewWorker(time.Second)
	w.Close()

	_, err := w.Evaluate(context.Background(), Input{Query: "q", Answer: "a"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeEvaluation))
}

func TestWorker_CanceledContext(t *testing.T) {
	w := NewWorker(time.Second)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With both the job channel and the canceled context ready the select
	// may pick either; a canceled submission must error, a raced-through
	// submission still yields scores.
	scores, err := w.Evaluate(ctx, Input{Query: "q", Answer: "a", Contexts: sampleContexts})
	if err != nil {
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeEvaluation))
	} else {
		assert.NotNil(t, scores)
	}
}

func TestSafeScore(t *testing.T) {
	out := safeScore(Input{Query: "q", Answer: "a"})

	require.NoError(t, out.err)
	assert.True(t, out.scores.AnswerRelevancy.Applicable)
}
