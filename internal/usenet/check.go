package usenet

import (
	"context"
	"math"
	"sync"

	"github.com/sourcegraph/conc/pool"

	nzberrors "github.com/odz123/nzbdav/internal/errors"
)

// CheckOptions tunes a segment existence sweep.
type CheckOptions struct {
	// Concurrency bounds simultaneous STAT calls.
	Concurrency int
	// SamplingRate in (0, 1] selects what fraction of segments to test.
	SamplingRate float64
	// MinSamples is the floor on tested segments regardless of rate.
	MinSamples int
	// Progress, when set, receives the fraction of completed checks.
	Progress func(fraction float64)
}

// CheckResult summarizes a sweep.
type CheckResult struct {
	Checked int
	Missing []string
}

// CheckAllSegments verifies that a sampled subset of the given message-ids
// exists on at least one server. Sampling is uniform across the input; the
// order in which ids are tested is not observable.
func (c *Client) CheckAllSegments(ctx context.Context, messageIDs []string, opts CheckOptions) (*CheckResult, error) {
	if len(messageIDs) == 0 {
		return &CheckResult{}, nil
	}

	sampled := sampleUniform(messageIDs, opts.SamplingRate, opts.MinSamples)

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu      sync.Mutex
		done    int
		missing []string
	)

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()
	for _, id := range sampled {
		messageID := id
		p.Go(func(ctx context.Context) error {
			found, err := c.Stat(ctx, messageID)
			if err != nil {
				return err
			}

			mu.Lock()
			done++
			if !found {
				missing = append(missing, messageID)
			}
			if opts.Progress != nil {
				opts.Progress(float64(done) / float64(len(sampled)))
			}
			mu.Unlock()
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, nzberrors.Wrap(nzberrors.KindTransient, "segment check aborted", err)
	}

	return &CheckResult{Checked: len(sampled), Missing: missing}, nil
}

// sampleUniform picks max(minSamples, ceil(rate*N)) ids evenly spaced over
// the input, or all of them when N is smaller than that.
func sampleUniform(ids []string, rate float64, minSamples int) []string {
	n := len(ids)

	want := int(math.Ceil(rate * float64(n)))
	if want < minSamples {
		want = minSamples
	}
	if want >= n {
		out := make([]string, n)
		copy(out, ids)
		return out
	}

	out := make([]string, 0, want)
	step := float64(n) / float64(want)
	for i := 0; i < want; i++ {
		out = append(out, ids[int(float64(i)*step)])
	}
	return out
}
