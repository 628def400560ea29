package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/mailbox"
)

// State represents the current state of scheduled synchronization.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status holds the outcome of the most recent scheduled or triggered run.
type Status struct {
	State     State     `json:"state"`
	LastSync  time.Time `json:"lastSync"`
	LastError string    `json:"lastError,omitempty"`

	// AuthExpired is set when the last run failed on credentials and
	// cleared by the next successful run.
	AuthExpired bool `json:"authExpired"`
	LastNew     int  `json:"lastNew"`
}

// Runner is the operation a Poller schedules. *Syncer implements it.
type Runner interface {
	Run(ctx context.Context, owner string, limit int) (*Report, error)
}

// Poller runs a Runner on a fixed interval and on demand. Runs never
// overlap, and every run, scheduled or not, is reflected in Status.
type Poller struct {
	runner   Runner
	owner    string
	limit    int
	interval time.Duration
	log      zerolog.Logger

	status    Status
	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        gosync.Mutex
	running   bool
	runMu     gosync.Mutex
}

// NewPoller creates a Poller. An interval of zero or less disables the
// schedule; Trigger still works once Start has been called.
func NewPoller(r Runner, owner string, limit int, interval time.Duration, log zerolog.Logger) *Poller {
	return &Poller{
		runner:    r,
		owner:     owner,
		limit:     limit,
		interval:  interval,
		log:       log.With().Str("component", "poller").Logger(),
		status:    Status{State: StateIdle},
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the polling goroutine. When scheduled, the first run
// happens immediately. Calling Start more than once has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	go p.loop(ctx)
}

// Stop halts the polling goroutine and waits for an in-flight run to end.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	<-p.doneCh
}

// Trigger requests an immediate run. It never blocks; a request made while
// another is pending is merged into it.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the current status.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C

		p.runOnce(ctx)
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-tick:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

// Run performs a run immediately, waiting for any run in progress, and
// records its outcome. It does not require Start.
func (p *Poller) Run(ctx context.Context, owner string, limit int) (*Report, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.setState(StateRunning)

	report, err := p.runner.Run(ctx, owner, limit)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.LastSync = time.Now()
	if err != nil {
		p.status.State = StateError
		p.status.LastError = err.Error()
		p.status.AuthExpired = mailbox.IsAuthError(err)
		return report, err
	}

	p.status.State = StateIdle
	p.status.LastError = ""
	p.status.AuthExpired = false
	p.status.LastNew = report.New
	return report, nil
}

func (p *Poller) runOnce(ctx context.Context) {
	if _, err := p.Run(ctx, p.owner, p.limit); err != nil {
		p.log.Error().Err(err).Bool("auth_expired", mailbox.IsAuthError(err)).Msg("scheduled sync failed")
	}
}

func (p *Poller) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
}
