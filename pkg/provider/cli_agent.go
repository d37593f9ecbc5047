package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/polisai/polis-agents/pkg/domain"
)

// CLIAgentConfig configures a subprocess-backed provider.
type CLIAgentConfig struct {
	ID      string
	Kind    Kind
	Command []string
	WorkDir string
	// Env is appended to the parent environment.
	Env    []string
	Logger *slog.Logger
}

// CLIAgent runs the vendor CLI once per call and reads its answer from stdout.
type CLIAgent struct {
	id      string
	kind    Kind
	command []string
	workDir string
	env     []string
	logger  *slog.Logger
}

// NewCLIAgent creates a CLI agent. An empty Command uses the kind's default.
func NewCLIAgent(cfg CLIAgentConfig) *CLIAgent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	command := cfg.Command
	if len(command) == 0 {
		command = cfg.Kind.DefaultCommand()
	}
	id := cfg.ID
	if id == "" {
		id = string(cfg.Kind)
	}
	return &CLIAgent{
		id:      id,
		kind:    cfg.Kind,
		command: append([]string(nil), command...),
		workDir: cfg.WorkDir,
		env:     append([]string(nil), cfg.Env...),
		logger:  logger,
	}
}

func (a *CLIAgent) Name() string { return a.id }

func (a *CLIAgent) Capabilities() domain.Capabilities {
	caps := a.kind.Capabilities()
	caps.SupportsStreaming = true
	caps.SupportsFiles = true
	return caps
}

func (a *CLIAgent) buildCmd(ctx context.Context, prompt domain.Prompt, c *domain.Context) (*exec.Cmd, error) {
	if len(a.command) == 0 {
		return nil, domain.NewProviderError(a.id, domain.ProviderUnavailable, errors.New("no command configured"))
	}
	args := append(append([]string(nil), a.command[1:]...), renderPrompt(prompt, c, true))
	cmd := exec.CommandContext(ctx, a.command[0], args...)
	if a.workDir != "" {
		cmd.Dir = a.workDir
	}

	env := os.Environ()
	if c != nil {
		for k, v := range c.Environment {
			env = append(env, k+"="+v)
		}
	}
	cmd.Env = append(env, a.env...)
	return cmd, nil
}

// Execute runs the CLI to completion.
func (a *CLIAgent) Execute(ctx context.Context, prompt domain.Prompt, c *domain.Context) (*domain.Response, error) {
	cmd, err := a.buildCmd(ctx, prompt, c)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("starting agent process", "provider_id", a.id, "command", a.command[0])
	if err := cmd.Run(); err != nil {
		return nil, a.classify(ctx, err, stderr.String())
	}

	return &domain.Response{
		Content: strings.TrimRight(stdout.String(), "\n"),
		Metadata: map[string]any{
			"provider": a.id,
			"mode":     "cli",
		},
	}, nil
}

// Stream runs the CLI and yields its stdout line by line.
func (a *CLIAgent) Stream(ctx context.Context, prompt domain.Prompt, c *domain.Context) (ResponseStream, error) {
	procCtx, cancelProc := context.WithCancel(ctx)
	cmd, err := a.buildCmd(procCtx, prompt, c)
	if err != nil {
		cancelProc()
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancelProc()
		return nil, domain.NewProviderError(a.id, domain.ProviderUnavailable, fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancelProc()
		return nil, a.classify(ctx, err, "")
	}
	a.logger.Debug("started streaming agent process", "provider_id", a.id, "pid", cmd.Process.Pid)

	return newChanStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer cancelProc()
		// Closing the stream kills the process.
		stop := context.AfterFunc(ctx, cancelProc)
		defer stop()

		reader := bufio.NewReader(stdout)
		for {
			line, readErr := reader.ReadString('\n')
			if line != "" && !emit(line) {
				_ = cmd.Wait()
				return ctx.Err()
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				_ = cmd.Wait()
				return a.classify(ctx, readErr, stderr.String())
			}
		}
		if err := cmd.Wait(); err != nil {
			return a.classify(ctx, err, stderr.String())
		}
		return nil
	}), nil
}

// classify maps subprocess failures onto provider error kinds.
func (a *CLIAgent) classify(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return domain.NewProviderError(a.id, domain.ProviderTimeout, ctxErr)
		}
		return ctxErr
	}

	perr := domain.NewProviderError(a.id, domain.ProviderUnavailable, err)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		perr.StatusCode = exitErr.ExitCode()
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		perr.Err = fmt.Errorf("%s is not installed: %w", a.command[0], err)
		return perr
	}

	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "quota"):
		perr.Kind = domain.ProviderRateLimited
	case strings.Contains(msg, "not logged in"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication"), strings.Contains(msg, "invalid api key"), strings.Contains(msg, "please login"):
		perr.Kind = domain.ProviderUnauthenticated
	case strings.Contains(msg, "unknown command"), strings.Contains(msg, "unknown option"):
		perr.Kind = domain.ProviderInvalidAction
	}
	if tail := lastLine(stderr); tail != "" {
		perr.Err = fmt.Errorf("%w: %s", err, tail)
	}
	return perr
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// renderPrompt flattens the prompt and the relevant context into one instruction.
func renderPrompt(prompt domain.Prompt, c *domain.Context, withFiles bool) string {
	var b strings.Builder
	if c != nil {
		for _, msg := range c.History {
			if msg.Role == domain.RoleSystem {
				b.WriteString(msg.Content)
				b.WriteString("\n\n")
			}
		}
		if files := c.Files(); withFiles && len(files) > 0 {
			b.WriteString("Files in scope:\n")
			for _, f := range files {
				b.WriteString("- ")
				b.WriteString(f)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(prompt.Text())
	return b.String()
}
