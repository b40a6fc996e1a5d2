package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/pkg/events"
)

// fakeCLI runs a shell script in place of an assistant CLI binary.
func fakeCLI(script string) provider.Invocation {
	return provider.Invocation{Binary: "/bin/sh", Args: []string{"-c", script}}
}

func startFake(t *testing.T, cfg Config, script string) *Process {
	t.Helper()
	sup := New(cfg, logger.Default())
	p, err := sup.Start(context.Background(), provider.Claude, fakeCLI(script))
	require.NoError(t, err)
	return p
}

func collect(p *Process, ctx context.Context) ([]events.Event, Outcome) {
	var got []events.Event
	out := p.Wait(ctx, func(ev events.Event) { got = append(got, ev) })
	return got, out
}

func TestWaitStreamsEvents(t *testing.T) {
	script := `
printf '%s\n' '{"type":"system","subtype":"init","session_id":"cli-1"}'
printf '%s\n' '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}'
printf '%s\n' '{"type":"result","result":"done","duration_ms":5}'
`
	p := startFake(t, Config{}, script)
	got, out := collect(p, context.Background())

	require.NoError(t, out.Err)
	assert.False(t, out.Aborted)
	require.True(t, out.ResultSeen)
	assert.Equal(t, "done", out.Result.Text)

	require.Len(t, got, 3)
	assert.Equal(t, events.TypeInit, got[0].Type)
	assert.Equal(t, events.TypeText, got[1].Type)
	assert.Equal(t, events.TypeResult, got[2].Type)
}

func TestWaitExitWithoutResult(t *testing.T) {
	script := `
printf '%s\n' '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}'
echo "fatal: model overloaded" >&2
exit 3
`
	p := startFake(t, Config{}, script)
	_, out := collect(p, context.Background())

	assert.False(t, out.ResultSeen)
	require.Error(t, out.Err)
	assert.True(t, apperrors.Is(out.Err, apperrors.KindCLIFailed))
	assert.Contains(t, out.Err.Error(), "model overloaded")
}

func TestWaitCleanExitWithoutResultIsNotAnError(t *testing.T) {
	// Exit code zero is not authoritative; the caller decides what a
	// missing result means.
	p := startFake(t, Config{}, `exit 0`)
	_, out := collect(p, context.Background())

	assert.NoError(t, out.Err)
	assert.False(t, out.ResultSeen)
}

func TestAbortStopsProcess(t *testing.T) {
	p := startFake(t, Config{GracefulGrace: 200 * time.Millisecond}, `sleep 30`)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Abort(nil)
	}()

	done := make(chan Outcome, 1)
	go func() {
		_, out := collect(p, context.Background())
		done <- out
	}()

	select {
	case out := <-done:
		assert.True(t, out.Aborted)
		assert.NoError(t, out.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not terminate the process")
	}
}

func TestIdleTimeoutStallsProcess(t *testing.T) {
	p := startFake(t, Config{
		IdleTimeout:   100 * time.Millisecond,
		GracefulGrace: 100 * time.Millisecond,
	}, `sleep 30`)

	_, out := collect(p, context.Background())
	require.Error(t, out.Err)
	assert.True(t, apperrors.Is(out.Err, apperrors.KindStalled))
}

func TestParseFailureBudget(t *testing.T) {
	script := `
i=0
while [ $i -lt 40 ]; do
  echo "not json at all"
  i=$((i+1))
done
sleep 30
`
	p := startFake(t, Config{GracefulGrace: 100 * time.Millisecond}, script)
	_, out := collect(p, context.Background())

	require.Error(t, out.Err)
	assert.True(t, apperrors.Is(out.Err, apperrors.KindProtocolError))
	// The accumulated unparsable lines surface in the failure.
	assert.Contains(t, out.Err.Error(), "not json at all")
}

func TestInjectAnswerBuffersUntilWaiting(t *testing.T) {
	script := `
read answer
printf '{"type":"result","result":"%s"}\n' "$answer"
`
	p := startFake(t, Config{}, script)

	// No prompt yet, so the answer is held.
	require.NoError(t, p.InjectAnswer("approved"))
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	assert.Equal(t, 1, pending)

	// The waiting_for_answer line flushes it to stdin.
	p.enterWaiting()

	_, out := collect(p, context.Background())
	require.NoError(t, out.Err)
	require.True(t, out.ResultSeen)
	assert.Equal(t, "approved", out.Result.Text)
}

func TestTruncateToolOutput(t *testing.T) {
	sup := New(Config{MaxToolOutputBytes: 10}, logger.Default())
	p := &Process{sup: sup}

	ev := events.ToolResult("shell", "tu-1", strings.Repeat("x", 25))
	got := p.truncateToolOutput(ev)
	assert.Equal(t, strings.Repeat("x", 10)+"…[truncated 15 bytes]", got.ToolOutput)

	small := events.ToolResult("shell", "tu-2", "tiny")
	assert.Equal(t, "tiny", p.truncateToolOutput(small).ToolOutput)
}
