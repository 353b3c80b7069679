package engine_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkuds/cellbox/internal/engine"
	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/kernel/kerneltest"
	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/session"
)

const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// cells scripts the fake kernel used by most tests.
var cells = kerneltest.Script(map[string]kerneltest.Handler{
	"1+1": func(_ context.Context, _ string, out *kerneltest.Out) {
		out.Result("2")
	},
	"print('hi')": func(_ context.Context, _ string, out *kerneltest.Out) {
		out.Stream("hi\n")
	},
	"plot()": func(_ context.Context, _ string, out *kerneltest.Out) {
		out.Stream("drawing\n")
		out.Display(map[string]any{"image/png": tinyPNG, "text/plain": "<Figure>"})
	},
	"1/0": func(_ context.Context, _ string, out *kerneltest.Out) {
		out.Error("ZeroDivisionError", "division by zero",
			"\x1b[0;31m---------------------------------------------------------------------------\x1b[0m",
			"\x1b[0;31mZeroDivisionError\x1b[0m: division by zero")
	},
	"sleep": kerneltest.Sleep(10*time.Second, "woke"),
	"A": func(ctx context.Context, _ string, out *kerneltest.Out) {
		for i := 0; i < 5; i++ {
			out.Stream("A")
			time.Sleep(5 * time.Millisecond)
		}
	},
	"B": func(ctx context.Context, _ string, out *kerneltest.Out) {
		for i := 0; i < 5; i++ {
			out.Stream("B")
			time.Sleep(5 * time.Millisecond)
		}
	},
})

func newEngine(t *testing.T, l *kerneltest.Launcher, opts engine.Options) *engine.Engine {
	t.Helper()
	reg := session.NewRegistry(l, kernel.Options{ReadyTimeout: 5 * time.Second})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	if opts.PollInterval == 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return engine.New(reg, opts)
}

func texts(events []output.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.IsText() {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestExecuteResult(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{})

	events, err := e.Execute(context.Background(), engine.Request{SessionID: "s", CellID: "c1", Code: "1+1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, output.KindText, events[0].Kind)
	assert.Equal(t, "2", events[0].Text)
	assert.Equal(t, "c1", events[0].CellID)
	assert.Equal(t, "s", events[0].SessionID)
	assert.NotEmpty(t, events[0].RequestID)
}

func TestExecuteImage(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{})

	events, err := e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "plot()"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "drawing\n", events[0].Text)
	assert.Equal(t, output.KindImage, events[1].Kind)
	assert.Equal(t, "data:image/png;base64,"+tinyPNG, events[1].URL())
	assert.Equal(t, events[0].CellID, events[1].CellID)
}

func TestExecuteErrorIsEventWithoutANSI(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{})

	events, err := e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "1/0"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, output.KindError, events[0].Kind)
	assert.NotContains(t, events[0].Text, "\x1b")
	assert.Contains(t, events[0].Text, "ZeroDivisionError: division by zero")

	// the session stays usable
	events, err = e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "1+1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, texts(events))
}

func TestExecuteTimeout(t *testing.T) {
	l := &kerneltest.Launcher{Handler: cells}
	e := newEngine(t, l, engine.Options{InterruptOnTimeout: true})

	start := time.Now()
	events, err := e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "sleep", Timeout: time.Second})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NotEmpty(t, events)
	assert.Equal(t, "Execution timeout after 1 seconds", events[len(events)-1].Text)
	assert.Equal(t, 1, l.Last().Interrupts())

	// after the interrupt the kernel accepts new work
	events, err = e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "1+1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, texts(events))
}

func TestExecuteTimeoutWithoutInterrupt(t *testing.T) {
	l := &kerneltest.Launcher{Handler: cells}
	e := newEngine(t, l, engine.Options{})

	events, err := e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "sleep", Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []string{"Execution timeout after 0.3 seconds"}, texts(events))
	assert.Zero(t, l.Last().Interrupts())
}

func TestExecuteStartupFailure(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{LaunchErr: errors.New("no docker")}, engine.Options{})

	_, err := e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "1+1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, kernel.ErrStartup)

	_, err = e.Stream(context.Background(), engine.Request{SessionID: "s", Code: "1+1"})
	assert.ErrorIs(t, err, kernel.ErrStartup)
}

func TestExecuteRequiresSession(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{}, engine.Options{})

	_, err := e.Execute(context.Background(), engine.Request{Code: "1+1"})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)

	_, err = e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "1", Language: "cobol"})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(map[string][]output.Event)
	var mu sync.Mutex
	for _, code := range []string{"A", "B"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := e.Execute(ctx, engine.Request{SessionID: "s", CellID: code, Code: code})
			assert.NoError(t, err)
			mu.Lock()
			results[code] = events
			mu.Unlock()
		}()
	}
	wg.Wait()

	for code, events := range results {
		require.Len(t, events, 5, code)
		for _, ev := range events {
			assert.Equal(t, code, ev.Text)
			assert.Equal(t, code, ev.CellID)
		}
	}
}

func TestStreamMatchesExecute(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{})
	ctx := context.Background()

	for _, code := range []string{"1+1", "plot()", "1/0", "print('hi')"} {
		blocking, err := e.Execute(ctx, engine.Request{SessionID: "s", CellID: "c", Code: code})
		require.NoError(t, err)

		seq, err := e.Stream(ctx, engine.Request{SessionID: "s", CellID: "c", Code: code})
		require.NoError(t, err)
		var streamed []output.Event
		for ev := range seq {
			streamed = append(streamed, ev)
		}

		assert.Equal(t, summarize(blocking), summarize(streamed), code)
	}
}

func summarize(events []output.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Kind)+":"+ev.String()+":"+ev.CellID)
	}
	sort.Strings(out)
	return out
}

func TestStreamIsNotRestartable(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{})

	seq, err := e.Stream(context.Background(), engine.Request{SessionID: "s", Code: "1+1"})
	require.NoError(t, err)

	var first, second int
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	assert.Equal(t, 1, first)
	assert.Zero(t, second)
}

func TestStreamAbandonLeavesKernelUsable(t *testing.T) {
	l := &kerneltest.Launcher{Handler: cells}
	e := newEngine(t, l, engine.Options{})
	ctx := context.Background()

	seq, err := e.Stream(ctx, engine.Request{SessionID: "s", Code: "A"})
	require.NoError(t, err)
	for ev := range seq {
		assert.Equal(t, "A", ev.Text)
		break
	}

	events, err := e.Execute(ctx, engine.Request{SessionID: "s", Code: "1+1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, texts(events))

	infos := e.Registry().List()
	require.Len(t, infos, 1)
	assert.Zero(t, infos[0].Busy)
}

func TestStreamTimeoutEndsWithEvent(t *testing.T) {
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{})

	seq, err := e.Stream(context.Background(), engine.Request{SessionID: "s", Code: "sleep", Timeout: time.Second})
	require.NoError(t, err)

	var last output.Event
	for ev := range seq {
		last = ev
	}
	assert.Equal(t, "Execution timeout after 1 seconds", last.Text)
}

func TestLanguageWrapping(t *testing.T) {
	l := &kerneltest.Launcher{}
	e := newEngine(t, l, engine.Options{})
	ctx := context.Background()

	_, err := e.Execute(ctx, engine.Request{SessionID: "s", Code: "x <- 1", Language: engine.R})
	require.NoError(t, err)
	_, err = e.Execute(ctx, engine.Request{SessionID: "s", Code: `println("hi")`, Language: engine.Julia})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"%%R\nx <- 1",
		`jl.seval("println(\"hi\")")`,
	}, l.Last().Executed())
}

func TestLanguageAliasesAreWrapped(t *testing.T) {
	l := &kerneltest.Launcher{}
	e := newEngine(t, l, engine.Options{})
	ctx := context.Background()

	for _, lang := range []engine.Language{"R", " r ", "jl", "Julia", "py"} {
		_, err := e.Execute(ctx, engine.Request{SessionID: "s", Code: "x", Language: lang})
		require.NoError(t, err, "language %q", lang)
	}

	assert.Equal(t, []string{
		"%%R\nx",
		"%%R\nx",
		`jl.seval("x")`,
		`jl.seval("x")`,
		"x",
	}, l.Last().Executed())
}

func TestUnknownLanguageRejected(t *testing.T) {
	l := &kerneltest.Launcher{}
	e := newEngine(t, l, engine.Options{})

	_, err := e.Execute(context.Background(), engine.Request{SessionID: "s", Code: "x", Language: "cobol"})
	require.ErrorIs(t, err, engine.ErrInvalidRequest)
	assert.Zero(t, l.Launches())
}

func TestGuardBlocksWithoutStartingKernel(t *testing.T) {
	l := &kerneltest.Launcher{Handler: cells}
	guard := func(code string) error {
		if strings.Contains(code, "rm -rf") {
			return errors.New("destructive shell command")
		}
		return nil
	}
	e := newEngine(t, l, engine.Options{Guard: guard})

	events, err := e.Execute(context.Background(), engine.Request{SessionID: "s", CellID: "c", Code: "!rm -rf /"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Execution blocked: destructive shell command", events[0].Text)
	assert.Equal(t, "c", events[0].CellID)
	assert.Zero(t, l.Launches())

	seq, err := e.Stream(context.Background(), engine.Request{SessionID: "s", Code: "!rm -rf /"})
	require.NoError(t, err)
	var n int
	for range seq {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestExecuteRecordsHistory(t *testing.T) {
	hist, err := session.NewHistory(t.TempDir())
	require.NoError(t, err)
	e := newEngine(t, &kerneltest.Launcher{Handler: cells}, engine.Options{History: hist})
	ctx := context.Background()

	_, err = e.Execute(ctx, engine.Request{SessionID: "s", CellID: "c1", Code: "1+1"})
	require.NoError(t, err)
	_, err = e.Execute(ctx, engine.Request{SessionID: "s", CellID: "c2", Code: "1/0"})
	require.NoError(t, err)

	tr := hist.Get("s")
	require.NotNil(t, tr)
	got := tr.Last(0)
	require.Len(t, got, 2)
	assert.Equal(t, session.StatusOK, got[0].Status)
	assert.Equal(t, "1+1", got[0].Code)
	assert.Equal(t, session.StatusError, got[1].Status)
	assert.NotEmpty(t, got[1].RequestID)
}

func TestDeadKernelReplacedBetweenCells(t *testing.T) {
	l := &kerneltest.Launcher{Handler: cells}
	e := newEngine(t, l, engine.Options{})
	ctx := context.Background()

	_, err := e.Execute(ctx, engine.Request{SessionID: "s", Code: "1+1"})
	require.NoError(t, err)

	// kill between two cells: the dead client is detected and replaced
	l.Last().Kill()
	events, err := e.Execute(ctx, engine.Request{SessionID: "s", Code: "1+1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, texts(events))
	assert.Equal(t, 2, l.Launches())
}
