package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/polisai/polis-agents/pkg/domain"
)

type outcomeView struct {
	Index      int            `json:"index"`
	Provider   string         `json:"provider"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	DurationMS int64          `json:"duration_ms"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type resultView struct {
	RunID      string        `json:"run_id"`
	Pipeline   string        `json:"pipeline"`
	State      string        `json:"state"`
	AbortedAt  *int          `json:"aborted_at,omitempty"`
	Error      string        `json:"error,omitempty"`
	Output     string        `json:"output"`
	DurationMS int64         `json:"duration_ms"`
	Steps      []outcomeView `json:"steps"`
}

// newResultView flattens r for JSON output; errors become strings.
func newResultView(name string, steps []domain.PipelineStep, r *domain.PipelineResult) resultView {
	v := resultView{
		RunID:      r.RunID,
		Pipeline:   name,
		State:      string(r.State),
		Output:     r.Output,
		DurationMS: r.Duration.Milliseconds(),
		Steps:      make([]outcomeView, 0, len(r.Outcomes)),
	}
	if r.AbortedAt >= 0 {
		at := r.AbortedAt
		v.AbortedAt = &at
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	for i, o := range r.Outcomes {
		ov := outcomeView{
			Index:      o.Index,
			Provider:   o.ProviderID,
			Action:     o.Action,
			Status:     string(o.Status),
			Attempts:   o.Attempts,
			DurationMS: o.Duration.Milliseconds(),
			Output:     o.NextInput,
			Metadata:   o.Metadata,
		}
		if ov.Provider == "" && i < len(steps) {
			ov.Provider, ov.Action = steps[i].ProviderID, steps[i].Action
		}
		if o.Err != nil {
			ov.Error = o.Err.Error()
		}
		v.Steps = append(v.Steps, ov)
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeSummary prints one line per step and a closing line for the run.
func writeSummary(w io.Writer, steps []domain.PipelineStep, r *domain.PipelineResult) {
	total := len(r.Outcomes)
	for i, o := range r.Outcomes {
		provider, action := o.ProviderID, o.Action
		if provider == "" && i < len(steps) {
			provider, action = steps[i].ProviderID, steps[i].Action
		}
		line := fmt.Sprintf("[%d/%d] %s:%s %s", i+1, total, provider, action, o.Status)
		if o.Status != domain.StepSkipped {
			line += fmt.Sprintf(" (attempts %d, %s)", o.Attempts, o.Duration.Round(time.Millisecond))
		}
		if i < len(steps) && steps[i].ProviderID != provider {
			line += " via fallback"
		}
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		fmt.Fprintln(w, line)
	}

	switch r.State {
	case domain.RunAborted:
		fmt.Fprintf(w, "run %s aborted at step %d after %s\n", r.RunID, r.AbortedAt+1, r.Duration.Round(time.Millisecond))
	default:
		if n := r.Count(domain.StepDegraded); n > 0 {
			fmt.Fprintf(w, "run %s completed with %d degraded step(s) in %s\n", r.RunID, n, r.Duration.Round(time.Millisecond))
			return
		}
		fmt.Fprintf(w, "run %s completed in %s\n", r.RunID, r.Duration.Round(time.Millisecond))
	}
}

// writeParallelOutputs prints every successful answer under a header.
func writeParallelOutputs(w io.Writer, r *domain.PipelineResult) {
	for _, o := range r.Outcomes {
		if o.Status != domain.StepSucceeded {
			continue
		}
		fmt.Fprintf(w, "== %s ==\n%s\n", o.ProviderID, strings.TrimRight(o.Output, "\n"))
	}
}
