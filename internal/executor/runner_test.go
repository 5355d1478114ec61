package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sudocode-ai/sudocode/internal/agent"
	"github.com/sudocode-ai/sudocode/internal/events"
	"github.com/sudocode-ai/sudocode/internal/normalize"
	"github.com/sudocode-ai/sudocode/internal/proc"
	"github.com/sudocode-ai/sudocode/internal/store"
)

type fixture struct {
	store  *store.Store
	buffer *events.BufferStore
	tm     *events.TransportManager
	runner *Runner
	reg    *agent.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	buf := events.NewBufferStore()
	tm := events.NewTransportManager(buf, nil)
	sup := proc.NewSupervisor(proc.WithKillGrace(200 * time.Millisecond))
	t.Cleanup(sup.Shutdown)
	reg := agent.NewRegistry()
	runner := NewRunner(st, sup, tm, reg, WithKillGrace(200*time.Millisecond))
	return &fixture{store: st, buffer: buf, tm: tm, runner: runner, reg: reg}
}

func (f *fixture) createExecution(t *testing.T, id string) {
	t.Helper()
	if err := f.store.CreateExecution(context.Background(), &store.Execution{ID: id}); err != nil {
		t.Fatal(err)
	}
}

func TestExecute_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("stub", &agent.StubAdapter{})
	f.createExecution(t, "e-1")

	ctx := context.Background()
	err := f.runner.Execute(ctx, "e-1", "stub", agent.Task{
		Prompt: `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'`,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.GetExecution(ctx, "e-1")
	if got.Status != store.ExecCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed with completed_at, got %+v", got)
	}

	entries, _ := f.store.Entries(ctx, "e-1", 0)
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 persisted entry, got %d", len(entries))
	}

	evs := f.buffer.Events("e-1", 0)
	want := []events.EventType{events.EventRunStarted, events.EventStateSnapshot, events.EventTextMessage, events.EventRunFinished}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(evs), evs)
	}
	for i, typ := range want {
		if evs[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, evs[i].Type)
		}
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("stub", &agent.StubAdapter{})
	f.createExecution(t, "e-1")

	ctx := context.Background()
	err := f.runner.Execute(ctx, "e-1", "stub", agent.Task{Prompt: "exit 3"})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	got, _ := f.store.GetExecution(ctx, "e-1")
	if got.Status != store.ExecFailed || got.ErrorMessage != "exit code 3" {
		t.Fatalf("expected failed with verbatim exit code, got %+v", got)
	}

	evs := f.buffer.Events("e-1", 0)
	last := evs[len(evs)-1]
	if last.Type != events.EventRunError {
		t.Fatalf("expected RUN_ERROR last, got %s", last.Type)
	}
	// Exactly one terminal marker.
	finished, errored := 0, 0
	for _, ev := range evs {
		switch ev.Type {
		case events.EventRunFinished:
			finished++
		case events.EventRunError:
			errored++
		}
	}
	if finished != 0 || errored != 1 {
		t.Fatalf("expected exactly one RUN_ERROR, got finished=%d errored=%d", finished, errored)
	}
}

func TestExecute_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	f.createExecution(t, "e-1")

	err := f.runner.Execute(context.Background(), "e-1", "mystery", agent.Task{})
	var nf *agent.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *agent.NotFoundError, got %v", err)
	}
	got, _ := f.store.GetExecution(context.Background(), "e-1")
	if got.Status != store.ExecFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestExecute_ParseErrorDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("stub", &agent.StubAdapter{})
	f.createExecution(t, "e-1")

	ctx := context.Background()
	prompt := `printf '%s\n' '{not json}' '{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}'`
	if err := f.runner.Execute(ctx, "e-1", "stub", agent.Task{Prompt: prompt}); err != nil {
		t.Fatal(err)
	}
	entries, _ := f.store.Entries(ctx, "e-1", 0)
	if len(entries) != 2 {
		t.Fatalf("expected error entry plus message, got %d", len(entries))
	}
	got, _ := f.store.GetExecution(ctx, "e-1")
	if got.Status != store.ExecCompleted {
		t.Fatalf("expected completed despite parse error, got %s", got.Status)
	}
}

func TestCancel_StopsRunningExecution(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("stub", &agent.StubAdapter{})
	f.createExecution(t, "e-1")

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.runner.Execute(ctx, "e-1", "stub", agent.Task{Prompt: "sleep 60"})
	}()

	// Wait for the execution to reach running.
	deadline := time.After(5 * time.Second)
	for {
		got, _ := f.store.GetExecution(ctx, "e-1")
		if got != nil && got.Status == store.ExecRunning && f.runner.Processor("e-1") != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("execution never reached running")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if err := f.runner.Cancel(ctx, "e-1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not unblock Execute")
	}
	got, _ := f.store.GetExecution(ctx, "e-1")
	if got.Status != store.ExecStopped {
		t.Fatalf("expected stopped, got %s", got.Status)
	}
	// Cancelling again is a no-op.
	if err := f.runner.Cancel(ctx, "e-1"); err != nil {
		t.Fatal(err)
	}
}

func TestResume_RequiresAdapterSupport(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("stub", &agent.StubAdapter{}) // not resumable
	f.createExecution(t, "e-1")

	err := f.runner.Resume(context.Background(), "e-1", "sess-1", "stub", agent.Task{})
	var ni *agent.NotImplementedError
	if !errors.As(err, &ni) {
		t.Fatalf("expected *agent.NotImplementedError, got %v", err)
	}
}

func TestResume_RunsForResumableAdapter(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("stub", &agent.StubAdapter{Resumable: true})
	f.createExecution(t, "e-1")

	err := f.runner.Resume(context.Background(), "e-1", "sess-1", "stub", agent.Task{Prompt: "true"})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.GetExecution(context.Background(), "e-1")
	if got.Status != store.ExecCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestProcessor_MetricsDuringRun(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("stub", &agent.StubAdapter{})
	f.createExecution(t, "e-1")

	ctx := context.Background()
	prompt := `printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"a.ts"}}]}}' '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"x","is_error":false}]}}'`
	if err := f.runner.Execute(ctx, "e-1", "stub", agent.Task{Prompt: prompt}); err != nil {
		t.Fatal(err)
	}

	// Execution is done, so the live processor is gone; the entries are in
	// the store. Rebuild the aggregate from the log.
	entries, _ := f.store.Entries(ctx, "e-1", 0)
	p := normalize.NewProcessor()
	for _, raw := range entries {
		var e normalize.Entry
		if err := unmarshalEntry(raw, &e); err != nil {
			t.Fatal(err)
		}
		p.Feed(e)
	}
	calls := p.ToolCalls("", "")
	if len(calls) != 1 || calls[0].Status != normalize.ToolSuccess || calls[0].Result != "x" {
		t.Fatalf("unexpected tool calls: %+v", calls)
	}
	changes := p.FileChanges("", "")
	if len(changes) != 1 || changes[0].Path != "a.ts" {
		t.Fatalf("unexpected file changes: %+v", changes)
	}
}

func unmarshalEntry(raw []byte, e *normalize.Entry) error {
	return json.Unmarshal(raw, e)
}
