package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"kyt-gateway/work/config"
	"kyt-gateway/work/logger"
	"kyt-gateway/work/metrics"
	"kyt-gateway/work/vault"
)

// State enumerates the refresher's lifecycle. Transitions:
//
//	Unauthenticated → Authenticated        first successful exchange
//	Authenticated   → Refreshing           scheduled refresh or rejection signal
//	Refreshing      → Authenticated        exchange succeeded
//	Refreshing      → Degraded             transient failure; bounded backoff
//	Degraded        → Authenticated        retry succeeded
//	any             → Failed               challenge or credential rejection;
//	                                       terminal until operator intervention
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateRefreshing
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "Authenticated"
	case StateRefreshing:
		return "Refreshing"
	case StateDegraded:
		return "Degraded"
	case StateFailed:
		return "Failed"
	default:
		return "Unauthenticated"
	}
}

// StatusSnapshot is the read-only view served by the admin session endpoint.
type StatusSnapshot struct {
	State           string    `json:"state"`
	LastSuccess     time.Time `json:"last_success,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	AcquiredAt      time.Time `json:"acquired_at,omitzero"`
	EstimatedExpiry time.Time `json:"estimated_expiry,omitzero"`
}

type refreshOutcome int

const (
	outcomeOK refreshOutcome = iota
	outcomeTransient
	outcomeTerminal
)

// Refresher owns the process-wide session slot. It is the single writer;
// consumers read immutable snapshots through UsableSession. A buffered
// rejection channel lets the resolver report an auth-invalid response from
// mid-use without blocking, and duplicate signals coalesce.
type Refresher struct {
	auth  Authenticator
	vault *vault.Vault
	cfg   *config.Config

	current  atomic.Pointer[Session]
	state    atomic.Int32
	rejected chan struct{}

	lastSuccess atomic.Int64
	errMu       sync.Mutex
	lastErr     string

	baseBackoff time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRefresher wires a refresher; Start launches the background loop.
func NewRefresher(cfg *config.Config, v *vault.Vault, auth Authenticator) *Refresher {
	return &Refresher{
		auth:        auth,
		vault:       v,
		cfg:         cfg,
		rejected:    make(chan struct{}, 1),
		baseBackoff: 5 * time.Second,
	}
}

// Start launches the refresh loop. The loop authenticates immediately, then
// reschedules itself at estimated_expiry − safety_margin, waking early on a
// rejection signal.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// UsableSession returns the current published session, or
// ErrUpstreamUnavailable when there is none worth presenting upstream.
// Policy: a stale session survives Degraded (the upstream may still honor
// it), but a confirmed-Invalid session or a Failed machine fails fast.
func (r *Refresher) UsableSession() (*Session, error) {
	if State(r.state.Load()) == StateFailed {
		return nil, ErrUpstreamUnavailable
	}
	s := r.current.Load()
	if !s.Usable() {
		return nil, ErrUpstreamUnavailable
	}
	return s, nil
}

// Current returns the raw published session, nil when none exists. Intended
// for status reporting; resolution paths must use UsableSession.
func (r *Refresher) Current() *Session {
	return r.current.Load()
}

// State returns the machine's current state.
func (r *Refresher) State() State {
	return State(r.state.Load())
}

// SignalRejected reports that the upstream rejected the published session
// mid-use. Non-blocking; a signal already pending covers this one too.
func (r *Refresher) SignalRejected() {
	select {
	case r.rejected <- struct{}{}:
	default:
	}
}

// Status returns a snapshot for the admin API.
func (r *Refresher) Status() StatusSnapshot {
	snap := StatusSnapshot{State: r.State().String()}
	if ts := r.lastSuccess.Load(); ts > 0 {
		snap.LastSuccess = time.Unix(0, ts)
	}
	r.errMu.Lock()
	snap.LastError = r.lastErr
	r.errMu.Unlock()
	if s := r.current.Load(); s != nil {
		snap.AcquiredAt = s.AcquiredAt
		snap.EstimatedExpiry = s.EstimatedExpiry
	}
	return snap
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)

	backoff := r.baseBackoff

	for {
		switch r.refresh(ctx) {
		case outcomeTerminal:
			// Stop retrying entirely: more attempts against a challenge
			// would only trip further upstream detection.
			<-ctx.Done()
			return

		case outcomeTransient:
			r.setState(StateDegraded)
			logger.Warn("{session - run} Refresh failed, retrying in %s (serving last known session)", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			case <-r.rejected:
				r.invalidateCurrent()
			}
			backoff *= 2
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}

		case outcomeOK:
			backoff = r.baseBackoff
			sess := r.current.Load()
			wait := time.Until(sess.EstimatedExpiry.Add(-r.cfg.SafetyMargin))
			if wait < 0 {
				wait = 0
			}
			logger.Debug("{session - run} Next refresh scheduled in %s", wait)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				// Proactive refresh: the old session keeps serving while the
				// exchange runs, flagged Expiring for status visibility.
				if cur := r.current.Load(); cur != nil && cur.Status == StatusActive {
					cp := *cur
					cp.Status = StatusExpiring
					r.current.Store(&cp)
				}
			case <-r.rejected:
				timer.Stop()
				r.invalidateCurrent()
			}
		}
	}
}

// refresh runs one credential exchange and applies the resulting transition.
func (r *Refresher) refresh(ctx context.Context) refreshOutcome {
	cred, err := r.vault.Credential()
	if err != nil {
		r.recordError(err)
		r.setState(StateFailed)
		logger.Error("{session - refresh} %v; operator must configure credentials", err)
		return outcomeTerminal
	}

	if r.State() != StateUnauthenticated {
		r.setState(StateRefreshing)
	}

	sess, err := r.auth.Authenticate(ctx, cred)
	switch {
	case err == nil:
		r.current.Store(sess)
		r.setState(StateAuthenticated)
		r.lastSuccess.Store(time.Now().UnixNano())
		r.recordError(nil)
		metrics.SessionRefreshes.WithLabelValues("success").Inc()
		logger.Info("{session - refresh} Session established, estimated expiry %s",
			sess.EstimatedExpiry.Format(time.RFC3339))
		return outcomeOK

	case ctx.Err() != nil:
		return outcomeTransient

	case err == ErrChallengeRequired || err == ErrInvalidCredential:
		r.recordError(err)
		r.invalidateCurrent()
		r.setState(StateFailed)
		metrics.SessionRefreshes.WithLabelValues("challenge").Inc()
		logger.Error("{session - refresh} Terminal auth failure, operator action required: %v", err)
		return outcomeTerminal

	default:
		r.recordError(err)
		metrics.SessionRefreshes.WithLabelValues("failure").Inc()
		return outcomeTransient
	}
}

// invalidateCurrent publishes an Invalid copy of the current session so
// readers fail fast instead of presenting a known-bad cookie set.
func (r *Refresher) invalidateCurrent() {
	if cur := r.current.Load(); cur != nil && cur.Status != StatusInvalid {
		r.current.Store(cur.invalidated())
	}
}

func (r *Refresher) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Refresher) recordError(err error) {
	r.errMu.Lock()
	if err == nil {
		r.lastErr = ""
	} else {
		r.lastErr = err.Error()
	}
	r.errMu.Unlock()
}
