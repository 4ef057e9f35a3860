// Package runner executes the agent CLI for one task and turns its
// stream-json output into text chunks.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
)

const (
	TimeoutMessage   = "Timeout exceeded"
	CancelledMessage = "Cancelled"
)

type Request struct {
	TaskID       string
	Prompt       string
	WorkDir      string
	Model        string
	AllowedTools string
	// Timeout overrides the runner default when set.
	Timeout time.Duration
}

type Result struct {
	Success bool
	// Output is everything streamed, including tool and log lines.
	Output string
	// CleanOutput is the assistant text alone.
	CleanOutput  string
	CostUSD      float64
	InputTokens  int
	OutputTokens int
	ExitCode     int
	Error        string
}

type Runner struct {
	command string
	timeout time.Duration
	logger  *zap.Logger
}

func New(command string, timeout time.Duration, logger *zap.Logger) *Runner {
	if command == "" {
		command = "claude"
	}
	return &Runner{command: command, timeout: timeout, logger: logging.OrNop(logger)}
}

// Args returns the CLI arguments for req.
func (r *Runner) Args(req Request) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--include-partial-messages",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.AllowedTools != "" {
		args = append(args, "--allowedTools", req.AllowedTools)
	}
	return append(args, "--", req.Prompt)
}

// Run executes the CLI and sends every output chunk to out, which may be nil.
// Run never closes out. The returned error is set only when the process could
// not be started; failures of the agent itself are reported in Result.Error.
func (r *Runner) Run(ctx context.Context, req Request, out chan<- string) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.command, r.Args(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(),
		"CLAUDE_TASK_ID="+req.TaskID,
		"CLAUDE_CODE_DISABLE_BACKGROUND_TASKS=1",
	)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stderr: %w", err)
	}

	logger := r.logger.With(zap.String("task_id", req.TaskID))
	logger.Info("Starting agent CLI", zap.String("command", r.command), zap.String("work_dir", req.WorkDir))
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", r.command, err)
	}

	c := &collector{ctx: runCtx, out: out}
	c.emit(fmt.Sprintf("[CLI] Process started (PID: %d)\n", cmd.Process.Pid))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(stdout, func(raw string) { c.line(ParseLine(raw)) })
	}()
	go func() {
		defer wg.Done()
		readLines(stderr, func(raw string) {
			if text := strings.TrimSpace(raw); text != "" {
				c.stderrLine(text)
			}
		})
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	res := c.result()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Success = false
		res.Error = TimeoutMessage
		logger.Error("Agent CLI timed out", zap.Duration("timeout", timeout))
	case ctx.Err() != nil:
		res.Success = false
		res.Error = CancelledMessage
	case waitErr == nil:
		res.Success = true
	default:
		res.Success = false
		res.Error = c.failure(res.ExitCode)
	}

	logger.Info("Agent CLI completed",
		zap.Bool("success", res.Success),
		zap.Int("exit_code", res.ExitCode),
		zap.Float64("cost_usd", res.CostUSD))
	return res, nil
}

func readLines(rd io.Reader, fn func(string)) {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(line)
		}
		if err != nil {
			return
		}
	}
}

type collector struct {
	ctx context.Context
	out chan<- string

	mu       sync.Mutex
	output   strings.Builder
	clean    strings.Builder
	partial  strings.Builder
	usage    Usage
	cliError string
	stderr   []string
}

func (c *collector) emit(chunk string) {
	c.mu.Lock()
	c.output.WriteString(chunk)
	c.mu.Unlock()
	if c.out == nil {
		return
	}
	select {
	case c.out <- chunk:
	case <-c.ctx.Done():
	}
}

func (c *collector) line(l Line) {
	chunks := l.Chunks
	c.mu.Lock()
	switch {
	case l.Delta != "":
		c.partial.WriteString(l.Delta)
	case l.Clean != "" && c.partial.Len() > 0:
		// The deltas were already streamed; only the tool chunks are new.
		chunks = l.Tools
		c.partial.Reset()
	}
	c.clean.WriteString(l.Clean)
	if l.Err != "" {
		c.cliError = l.Err
	}
	if l.Usage != nil {
		c.usage = *l.Usage
	}
	c.mu.Unlock()
	for _, chunk := range chunks {
		c.emit(chunk)
	}
}

func (c *collector) stderrLine(text string) {
	c.mu.Lock()
	c.stderr = append(c.stderr, text)
	c.mu.Unlock()
	c.emit("[LOG] " + text + "\n")
}

func (c *collector) result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{
		Output:       c.output.String(),
		CleanOutput:  c.clean.String() + c.partial.String(),
		CostUSD:      c.usage.CostUSD,
		InputTokens:  c.usage.InputTokens,
		OutputTokens: c.usage.OutputTokens,
	}
}

// failure picks the error for a non-zero exit: the CLI's own error, then
// stderr, then the exit code.
func (c *collector) failure(exitCode int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cliError != "" {
		return c.cliError
	}
	if len(c.stderr) > 0 {
		return fmt.Sprintf("%s\n\n(Exit code: %d)", strings.Join(c.stderr, "\n"), exitCode)
	}
	return fmt.Sprintf("Exit code: %d", exitCode)
}
