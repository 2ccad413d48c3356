package openai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Metric recording runs on every concurrent Embed/Complete call; this guards
// the once-only instrument initialization under the race detector.
func TestRecordRequestMetric_Concurrent(t *testing.T) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				recordRequestMetric(ctx, "gpt-4o-mini", "completion", 200, 10*time.Millisecond, nil)
				recordRequestMetric(ctx, "text-embedding-3-small", "embedding", 500, time.Millisecond, errors.New("upstream error"))
				recordRateLimitWait(ctx, "gpt-4o-mini", time.Millisecond)
			}
		}()
	}
	wg.Wait()
}
