package proc

import (
	"bufio"
	"syscall"
	"testing"
	"time"
)

func TestAcquire_LineMode(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown()

	h, err := s.Acquire(Config{
		Executable: "sh",
		Args:       []string{"-c", `echo '{"type":"assistant"}'`},
		Mode:       ModeLine,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	scanner := bufio.NewScanner(h.Stdout())
	if !scanner.Scan() {
		t.Fatal("expected one stdout line")
	}
	if got := scanner.Text(); got != `{"type":"assistant"}` {
		t.Fatalf("unexpected stdout: %q", got)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	exited, code := h.Exited()
	if !exited || code != 0 {
		t.Fatalf("expected clean exit, got exited=%v code=%d", exited, code)
	}
}

func TestAcquire_SpawnFailure(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown()

	_, err := s.Acquire(Config{Executable: "/nonexistent/agent-cli", Mode: ModeLine}, false)
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if _, ok := err.(*SpawnError); !ok {
		t.Fatalf("expected *SpawnError, got %T", err)
	}
}

func TestAcquire_EmptyExecutable(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown()
	if _, err := s.Acquire(Config{}, false); err == nil {
		t.Fatal("expected error for empty executable")
	}
}

func TestOnExit_NonZeroCode(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown()

	h, err := s.Acquire(Config{
		Executable: "sh",
		Args:       []string{"-c", "exit 3"},
		Mode:       ModeLine,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	codeCh := make(chan int, 1)
	h.OnExit(func(code int, err error) { codeCh <- code })

	select {
	case code := <-codeCh:
		if code != 3 {
			t.Fatalf("expected exit code 3, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onExit")
	}
}

func TestKill_TerminatesSleeper(t *testing.T) {
	s := NewSupervisor(WithKillGrace(200 * time.Millisecond))
	defer s.Shutdown()

	h, err := s.Acquire(Config{
		Executable: "sh",
		Args:       []string{"-c", "sleep 60"},
		Mode:       ModeLine,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	h.Kill(200 * time.Millisecond)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not terminate the process")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	s := NewSupervisor(WithKillGrace(100 * time.Millisecond))
	defer s.Shutdown()

	h, err := s.Acquire(Config{
		Executable: "sh",
		Args:       []string{"-c", "sleep 60"},
		Mode:       ModeLine,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	s.Release(h, false)
	s.Release(h, false) // second release is a no-op

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("release did not terminate a non-resumable process")
	}
}

func TestShutdown_TerminatesAll(t *testing.T) {
	s := NewSupervisor(WithKillGrace(100 * time.Millisecond))

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Acquire(Config{
			Executable: "sh",
			Args:       []string{"-c", "sleep 60"},
			Mode:       ModeLine,
		}, false)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	s.Shutdown()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("shutdown left a process running")
		}
	}
	if s.Tracked() != 0 {
		t.Fatalf("expected 0 tracked after shutdown, got %d", s.Tracked())
	}
	// Shutdown is idempotent.
	s.Shutdown()
}

func TestSignal_DeliveredToGroup(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown()

	h, err := s.Acquire(Config{
		Executable: "sh",
		Args:       []string{"-c", "sleep 60"},
		Mode:       ModeLine,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("SIGTERM did not terminate the process group")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := Config{Executable: "claude", Args: []string{"-p"}, WorkDir: "/tmp", Mode: ModeLine}
	b := Config{Executable: "claude", Args: []string{"-p"}, WorkDir: "/tmp", Mode: ModeLine}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	c := a
	c.WorkDir = "/other"
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("different workdirs must not share a fingerprint")
	}
}
