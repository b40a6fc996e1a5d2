// Package supervisor spawns an assistant CLI process and turns its stdout
// into normalized events: one process per execution, line-framed JSON in,
// events out, with idle detection and two-phase shutdown.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/pkg/events"
)

const (
	// maxLineBytes bounds one stdout line. Tool results can be large.
	maxLineBytes = 10 * 1024 * 1024

	// parseFailureBudget is the number of unparseable lines tolerated per
	// second before the stream is declared corrupt.
	parseFailureBudget = 16

	// stderrTailBytes is how much trailing stderr is kept for diagnostics.
	stderrTailBytes = 4 * 1024
)

// Config tunes the supervisor.
type Config struct {
	IdleTimeout        time.Duration
	GracefulGrace      time.Duration
	MaxToolOutputBytes int
}

// Sink receives each normalized event as it is parsed.
type Sink func(ev events.Event)

// Outcome summarizes a finished CLI run.
type Outcome struct {
	// Result holds the final reply when the CLI emitted one.
	Result     *provider.ResultInfo
	ResultSeen bool
	// Aborted is set when the process was stopped on request.
	Aborted bool
	// Err classifies the failure, nil on clean completion.
	Err error
}

// Supervisor spawns and babysits assistant CLI processes.
type Supervisor struct {
	cfg    Config
	logger *logger.Logger
}

// New creates a supervisor with the given limits.
func New(cfg Config, log *logger.Logger) *Supervisor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.GracefulGrace <= 0 {
		cfg.GracefulGrace = 2 * time.Second
	}
	if cfg.MaxToolOutputBytes <= 0 {
		cfg.MaxToolOutputBytes = 256 * 1024
	}
	return &Supervisor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "supervisor")),
	}
}

// Process is one running CLI under supervision.
type Process struct {
	sup  *Supervisor
	prov provider.Provider
	cmd  *exec.Cmd
	log  *logger.Logger

	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   *tailBuffer
	parseLog *tailBuffer

	mu       sync.Mutex
	waiting  bool
	pending  []string
	aborted  bool
	stopped  bool
	stopOnce sync.Once
}

// Start spawns the CLI described by the invocation. The returned process must
// be driven to completion with Wait.
func (s *Supervisor) Start(ctx context.Context, prov provider.Provider, inv provider.Invocation) (*Process, error) {
	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Internal("failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Internal("failed to open stdout pipe", err)
	}
	tail := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Newf(apperrors.KindCLIFailed, "failed to start %s: %v", inv.Binary, err)
	}

	log := s.logger.WithFields(
		zap.String("provider", string(prov)),
		zap.Int("pid", cmd.Process.Pid))
	log.Info("cli process started", zap.String("binary", inv.Binary))

	return &Process{
		sup:      s,
		prov:     prov,
		cmd:      cmd,
		log:      log,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   tail,
		parseLog: &tailBuffer{limit: stderrTailBytes},
	}, nil
}

// Abort requests a graceful stop: interrupt first, kill after the grace
// period. Safe to call more than once and from any goroutine.
func (p *Process) Abort(reason error) {
	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()

	p.stopOnce.Do(func() {
		p.log.Info("stopping cli process", zap.NamedError("reason", reason))
		pgid := -p.cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGINT)
		go func() {
			time.Sleep(p.sup.cfg.GracefulGrace)
			p.mu.Lock()
			done := p.stopped
			p.mu.Unlock()
			if !done {
				p.log.Warn("cli process ignored interrupt, killing")
				_ = syscall.Kill(pgid, syscall.SIGKILL)
			}
		}()
	})
}

// InjectAnswer feeds one line to the CLI stdin. While the CLI is blocked on
// an ask-user prompt the line is written immediately; otherwise it is held
// until the next prompt.
func (p *Process) InjectAnswer(line string) error {
	p.mu.Lock()
	if !p.waiting {
		p.pending = append(p.pending, line)
		p.mu.Unlock()
		return nil
	}
	p.waiting = false
	p.mu.Unlock()

	return p.writeLine(line)
}

func (p *Process) writeLine(line string) error {
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return apperrors.Newf(apperrors.KindCLIFailed, "failed to write answer to cli stdin: %v", err)
	}
	return nil
}

// enterWaiting flips the process into the blocked-on-stdin state, draining
// one held answer if the user already replied.
func (p *Process) enterWaiting() {
	p.mu.Lock()
	if len(p.pending) > 0 {
		line := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()
		_ = p.writeLine(line)
		return
	}
	p.waiting = true
	p.mu.Unlock()
}

// Wait drives the read loop until the process exits or is stopped. Every
// parsed event is handed to the sink before Wait returns.
func (p *Process) Wait(ctx context.Context, sink Sink) Outcome {
	lines := make(chan []byte, 64)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
		scanErr <- scanner.Err()
	}()

	var out Outcome
	idle := time.NewTimer(p.sup.cfg.IdleTimeout)
	defer idle.Stop()

	parseFailures := 0
	windowStart := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			p.Abort(ctx.Err())
			break loop

		case <-idle.C:
			out.Err = apperrors.Newf(apperrors.KindStalled,
				"cli produced no output for %s", p.sup.cfg.IdleTimeout)
			p.Abort(out.Err)
			break loop

		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.sup.cfg.IdleTimeout)

			parsed, err := provider.Normalize(p.prov, line)
			if err != nil {
				if time.Since(windowStart) > time.Second {
					windowStart = time.Now()
					parseFailures = 0
				}
				parseFailures++
				_, _ = p.parseLog.Write(append(line, '\n'))
				p.log.Warn("unparseable cli output line", zap.Error(err))
				if parseFailures > parseFailureBudget {
					out.Err = apperrors.Newf(apperrors.KindProtocolError,
						"cli output stream is not line-framed json: %s", p.parseLog.String())
					p.Abort(out.Err)
					break loop
				}
				continue
			}

			if parsed.WaitingForAnswer {
				p.enterWaiting()
			}
			if parsed.Result != nil {
				out.Result = parsed.Result
				out.ResultSeen = true
			}
			for _, ev := range parsed.Events {
				sink(p.truncateToolOutput(ev))
			}
		}
	}

	// Drain remaining buffered lines so late events are not lost, then
	// reap the process.
	for line := range lines {
		if parsed, err := provider.Normalize(p.prov, line); err == nil {
			if parsed.Result != nil {
				out.Result = parsed.Result
				out.ResultSeen = true
			}
			for _, ev := range parsed.Events {
				sink(p.truncateToolOutput(ev))
			}
		}
	}

	_ = p.stdin.Close()
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.stopped = true
	aborted := p.aborted
	p.mu.Unlock()
	out.Aborted = aborted

	if err := <-scanErr; err != nil && out.Err == nil && !aborted {
		out.Err = apperrors.Newf(apperrors.KindProtocolError, "cli stdout read failed: %v", err)
	}
	if waitErr != nil && out.Err == nil && !aborted {
		msg := fmt.Sprintf("cli exited: %v", waitErr)
		if tail := p.stderr.String(); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		if unparsed := p.parseLog.String(); unparsed != "" {
			msg = fmt.Sprintf("%s; unparsed output: %s", msg, unparsed)
		}
		out.Err = apperrors.New(apperrors.KindCLIFailed, msg)
	}

	p.log.Info("cli process finished",
		zap.Bool("result_seen", out.ResultSeen),
		zap.Bool("aborted", aborted),
		zap.Error(out.Err))
	return out
}

// truncateToolOutput caps tool_result payloads so one pathological tool
// cannot flood every subscriber.
func (p *Process) truncateToolOutput(ev events.Event) events.Event {
	limit := p.sup.cfg.MaxToolOutputBytes
	if ev.Type != events.TypeToolResult || len(ev.ToolOutput) <= limit {
		return ev
	}
	dropped := len(ev.ToolOutput) - limit
	ev.ToolOutput = ev.ToolOutput[:limit] + fmt.Sprintf("…[truncated %d bytes]", dropped)
	return ev
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
