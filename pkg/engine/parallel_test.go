package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-agents/pkg/domain"
	"github.com/polisai/polis-agents/pkg/provider"
	"github.com/polisai/polis-agents/pkg/provider/providertest"
)

func TestRunParallelKeepsProviderOrder(t *testing.T) {
	claude := providertest.Echo("claude")
	claude.Delay = 30 * time.Millisecond
	codex := providertest.New("codex", providertest.Fail(domain.ProviderUnavailable))
	gemini := providertest.Echo("gemini")
	h := newHarness(t, claude, codex, gemini)

	pctx := domain.NewContext()
	result, err := h.executor.RunParallel(context.Background(), domain.FailFast(), []string{"claude", "codex", "gemini"}, "review", "diff", pctx)
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, result.State)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, domain.StepSucceeded, result.Outcomes[0].Status)
	assert.Equal(t, domain.StepDegraded, result.Outcomes[1].Status)
	assert.Equal(t, domain.StepSucceeded, result.Outcomes[2].Status)

	require.Len(t, pctx.History, 2)
	assert.Equal(t, "claude:review:diff", pctx.History[0].Content)
	assert.Equal(t, "gemini:review:diff", pctx.History[1].Content)
	assert.Equal(t, "codex", pctx.Metadata["step.1.provider"])

	// Every branch sees the same starting context.
	assert.Empty(t, claude.Contexts()[0].History)
	assert.Empty(t, gemini.Contexts()[0].History)
}

func TestRunParallelRespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	ps := make([]provider.Provider, 6)
	ids := make([]string, len(ps))
	for i := range ps {
		id := fmt.Sprintf("p%d", i)
		s := providertest.New(id)
		s.Respond = func(int, domain.Prompt, *domain.Context) providertest.Result {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return providertest.Succeed(id)
		}
		ps[i] = s
		ids[i] = id
	}
	h := newHarnessWith(t, ExecutorConfig{MaxParallel: 2}, ps...)

	result, err := h.executor.RunParallel(context.Background(), domain.ContinueOnError(), ids, "x", "", domain.NewContext())
	require.NoError(t, err)
	assert.Equal(t, 6, result.Count(domain.StepSucceeded))
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRunParallelCancellation(t *testing.T) {
	slow := providertest.Echo("claude")
	slow.Delay = 5 * time.Second
	h := newHarness(t, slow, providertest.Echo("gemini"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	pctx := domain.NewContext()
	result, err := h.executor.RunParallel(ctx, domain.ContinueOnError(), []string{"claude", "gemini"}, "x", "", pctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunAborted, result.State)
	assert.Equal(t, 0, result.AbortedAt)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, domain.StepSucceeded, result.Outcomes[1].Status)
}

func TestRunParallelPreconditions(t *testing.T) {
	h := newHarness(t, providertest.Echo("claude"))
	_, err := h.executor.RunParallel(context.Background(), domain.FailFast(), nil, "x", "", domain.NewContext())
	assert.ErrorIs(t, err, domain.ErrEmptyPipeline)
	_, err = h.executor.RunParallel(context.Background(), domain.FailFast(), []string{"claude"}, " ", "", domain.NewContext())
	assert.ErrorIs(t, err, domain.ErrEmptyAction)
	_, err = h.executor.RunParallel(context.Background(), domain.FailFast(), []string{"claude"}, "x", "", nil)
	assert.ErrorIs(t, err, domain.ErrNilContext)
}

// scriptedChain builds n distinct providers; those whose index is in failing
// always fail.
func scriptedChain(n int, failing map[int]bool) ([]*providertest.Scripted, *domain.Pipeline) {
	scripted := make([]*providertest.Scripted, n)
	p := &domain.Pipeline{Name: "generated"}
	for i := range scripted {
		id := fmt.Sprintf("p%d", i)
		if failing[i] {
			scripted[i] = providertest.New(id, providertest.Fail(domain.ProviderUnavailable))
		} else {
			scripted[i] = providertest.Echo(id)
		}
		p.Steps = append(p.Steps, domain.PipelineStep{ProviderID: id, Action: "x"})
	}
	return scripted, p
}

func drawFailures(t *rapid.T, n int) map[int]bool {
	failing := map[int]bool{}
	for i := 0; i < n; i++ {
		failing[i] = rapid.Bool().Draw(t, fmt.Sprintf("fail%d", i))
	}
	return failing
}

func TestContinueOnErrorProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "steps")
		failing := drawFailures(rt, n)
		scripted, p := scriptedChain(n, failing)
		p.Strategy = domain.ContinueOnError()

		ps := make([]provider.Provider, n)
		for i, s := range scripted {
			ps[i] = s
		}
		h := newHarness(t, ps...)

		pctx := domain.NewContext()
		result, err := h.executor.Run(context.Background(), p, "seed", pctx)
		if err != nil {
			rt.Fatalf("Run: %v", err)
		}
		if result.State != domain.RunCompleted || len(result.Outcomes) != n {
			rt.Fatalf("state %s with %d outcomes, want completed with %d", result.State, len(result.Outcomes), n)
		}

		last := "seed"
		succeeded := 0
		for i, s := range scripted {
			if s.Calls() != 1 {
				rt.Fatalf("step %d called %d times", i, s.Calls())
			}
			if got := s.Prompts()[0].Input; got != last {
				rt.Fatalf("step %d input %q, want last good output %q", i, got, last)
			}
			want := domain.StepSucceeded
			if failing[i] {
				want = domain.StepDegraded
			} else {
				last = result.Outcomes[i].NextInput
				succeeded++
			}
			if result.Outcomes[i].Status != want {
				rt.Fatalf("step %d status %s, want %s", i, result.Outcomes[i].Status, want)
			}
		}
		if len(pctx.History) != succeeded {
			rt.Fatalf("history has %d messages, want %d", len(pctx.History), succeeded)
		}
		if result.Output != last {
			rt.Fatalf("output %q, want %q", result.Output, last)
		}
	})
}

func TestFailFastProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "steps")
		failing := drawFailures(rt, n)
		scripted, p := scriptedChain(n, failing)
		p.Strategy = domain.FailFast()

		ps := make([]provider.Provider, n)
		for i, s := range scripted {
			ps[i] = s
		}
		h := newHarness(t, ps...)

		result, err := h.executor.Run(context.Background(), p, "seed", domain.NewContext())
		if err != nil {
			rt.Fatalf("Run: %v", err)
		}

		first := -1
		for i := 0; i < n; i++ {
			if failing[i] {
				first = i
				break
			}
		}
		if first < 0 {
			if !result.Completed() {
				rt.Fatalf("expected completed run")
			}
			return
		}
		if result.State != domain.RunAborted || result.AbortedAt != first {
			rt.Fatalf("state %s aborted at %d, want aborted at %d", result.State, result.AbortedAt, first)
		}
		for i := first + 1; i < n; i++ {
			if scripted[i].Calls() != 0 {
				rt.Fatalf("step %d invoked after failure at %d", i, first)
			}
			if result.Outcomes[i].Status != domain.StepSkipped {
				rt.Fatalf("step %d status %s, want skipped", i, result.Outcomes[i].Status)
			}
		}
	})
}
