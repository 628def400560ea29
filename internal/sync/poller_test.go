package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/mailbox"
)

type fakeRunner struct {
	mu    gosync.Mutex
	calls int
	limit int
	err   error
	ran   chan struct{}
}

func newFakeRunner(err error) *fakeRunner {
	return &fakeRunner{err: err, ran: make(chan struct{}, 16)}
}

func (r *fakeRunner) Run(ctx context.Context, owner string, limit int) (*Report, error) {
	r.mu.Lock()
	r.calls++
	r.limit = limit
	r.mu.Unlock()

	r.ran <- struct{}{}
	if r.err != nil {
		return nil, r.err
	}
	return &Report{New: 1}, nil
}

func waitRun(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sync run")
	}
}

func TestPoller_TriggerWithoutSchedule(t *testing.T) {
	runner := newFakeRunner(nil)
	p := NewPoller(runner, owner, 10, 0, zerolog.Nop())
	p.Start(context.Background())

	select {
	case <-runner.ran:
		t.Fatal("unscheduled poller ran before a trigger")
	case <-time.After(50 * time.Millisecond):
	}

	p.Trigger()
	waitRun(t, runner)
	p.Stop()

	st := p.Status()
	if st.State != StateIdle || st.LastNew != 1 || st.LastSync.IsZero() {
		t.Errorf("Status() = %+v, want idle with one new message", st)
	}
}

func TestPoller_AuthFailureMarksExpired(t *testing.T) {
	runner := newFakeRunner(&mailbox.AuthError{Backend: mailbox.BackendIMAP, Message: "bad password"})
	p := NewPoller(runner, owner, 10, 0, zerolog.Nop())
	p.Start(context.Background())

	p.Trigger()
	waitRun(t, runner)
	p.Stop()

	st := p.Status()
	if st.State != StateError || !st.AuthExpired || st.LastError == "" {
		t.Errorf("Status() = %+v, want error with auth expired", st)
	}
}

func TestPoller_ScheduledRunsImmediatelyAndRepeats(t *testing.T) {
	runner := newFakeRunner(nil)
	p := NewPoller(runner, owner, 10, 10*time.Millisecond, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	waitRun(t, runner)
	waitRun(t, runner)
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	p := NewPoller(newFakeRunner(nil), owner, 10, 0, zerolog.Nop())
	p.Stop()

	p.Start(context.Background())
	p.Stop()
	p.Stop()
}

func TestPoller_ManualRunRecordsStatus(t *testing.T) {
	runner := newFakeRunner(nil)
	p := NewPoller(runner, owner, 10, 0, zerolog.Nop())

	report, err := p.Run(context.Background(), owner, 3)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.New != 1 || runner.limit != 3 {
		t.Errorf("Run() report %+v, limit %d", report, runner.limit)
	}

	st := p.Status()
	if st.State != StateIdle || st.LastNew != 1 || st.LastSync.IsZero() {
		t.Errorf("Status() = %+v, want the manual run recorded", st)
	}
}

func TestPoller_ManualAuthFailureMarksExpired(t *testing.T) {
	runner := newFakeRunner(&mailbox.AuthError{Backend: mailbox.BackendGmail, Message: "token revoked"})
	p := NewPoller(runner, owner, 10, 0, zerolog.Nop())

	if _, err := p.Run(context.Background(), owner, 0); !mailbox.IsAuthError(err) {
		t.Fatalf("Run() error = %v, want auth error", err)
	}
	if st := p.Status(); !st.AuthExpired || st.State != StateError {
		t.Errorf("Status() = %+v, want auth expired", st)
	}

	runner.err = nil
	if _, err := p.Run(context.Background(), owner, 0); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if st := p.Status(); st.AuthExpired || st.LastError != "" {
		t.Errorf("Status() = %+v, want cleared after success", st)
	}
}
