package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrBusy is returned when a start or stop is already in flight.
var ErrBusy = errors.New("session operation in flight")

type TrackerConfig struct {
	Tick         time.Duration // local countdown step
	CreditsPoll  time.Duration // refetch period until a first snapshot arrives
	FallbackPoll time.Duration // refetch period while the push socket is down
	LockedResync time.Duration // delay before refetching after a "locked" answer
	Reconnect    time.Duration // push socket redial period

	// AutoStartFree starts the free minute as soon as a snapshot shows the
	// pair has no session and the minute is still unused.
	AutoStartFree bool
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Tick:         time.Second,
		CreditsPoll:  5 * time.Second,
		FallbackPoll: 2 * time.Second,
		LockedResync: 2 * time.Second,
		Reconnect:    15 * time.Second,
	}
}

func (c TrackerConfig) normalize() TrackerConfig {
	def := DefaultTrackerConfig()
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.CreditsPoll <= 0 {
		c.CreditsPoll = def.CreditsPoll
	}
	if c.FallbackPoll <= 0 {
		c.FallbackPoll = def.FallbackPoll
	}
	if c.LockedResync <= 0 {
		c.LockedResync = def.LockedResync
	}
	if c.Reconnect <= 0 {
		c.Reconnect = def.Reconnect
	}
	return c
}

// View is what a chat screen renders.
type View struct {
	Snapshot  domain.Snapshot
	Loaded    bool // a snapshot has been applied; credits are known
	Remaining int  // local countdown, seconds
	Polling   bool // push socket down
	LastError error
}

// Tracker keeps the local view of one (user, psychic) pair in step with the
// server. The server stays authoritative: the countdown only decides when to
// refetch, every displayed number comes from a snapshot.
type Tracker struct {
	c         *Client
	psychicID uuid.UUID
	cfg       TrackerConfig
	log       zerolog.Logger

	// set before Run; OnChange may be called from fetch goroutines
	OnChange  func(View)
	OnMessage func(domain.ChatMessage)

	mu          sync.Mutex
	view        View
	busy        bool
	fetching    bool
	fetchAgain  bool
	autoStarted bool

	refetch   chan struct{}
	autoStart chan struct{}
	wg        sync.WaitGroup // fetch and auto-start goroutines
}

func NewTracker(c *Client, psychicID uuid.UUID, cfg TrackerConfig) *Tracker {
	return &Tracker{
		c:         c,
		psychicID: psychicID,
		cfg:       cfg.normalize(),
		log:       logger.Logger.With().Str("component", "tracker").Str("psychic_id", psychicID.String()).Logger(),
		refetch:   make(chan struct{}, 1),
		autoStart: make(chan struct{}, 1),
		view:      View{Polling: true},
	}
}

func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// Run blocks until ctx is done. Status fetches run off the loop so a slow
// or failing server never stalls the countdown.
func (t *Tracker) Run(ctx context.Context) error {
	defer t.wg.Wait()
	t.refresh(ctx)

	frames := make(chan pushFrame, 16)
	go t.pushLoop(ctx, frames)

	tick := time.NewTicker(t.cfg.Tick)
	defer tick.Stop()
	credits := time.NewTicker(t.cfg.CreditsPoll)
	defer credits.Stop()
	fallback := time.NewTicker(t.cfg.FallbackPoll)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if t.countdown() {
				t.refresh(ctx)
			}
		case <-credits.C:
			if !t.View().Loaded {
				t.refresh(ctx)
			}
		case <-fallback.C:
			if t.View().Polling {
				t.refresh(ctx)
			}
		case <-t.refetch:
			t.refresh(ctx)
		case <-t.autoStart:
			t.spawn(func() { t.startFreeAuto(ctx) })
		case f := <-frames:
			t.handleFrame(f)
		}
	}
}

func (t *Tracker) StartFree(ctx context.Context) error {
	return t.do(ctx, func(ctx context.Context) (domain.Snapshot, error) {
		return t.c.StartFree(ctx, t.psychicID)
	})
}

func (t *Tracker) StartPaid(ctx context.Context) error {
	key := uuid.NewString()
	return t.do(ctx, func(ctx context.Context) (domain.Snapshot, error) {
		return t.c.StartPaid(ctx, t.psychicID, key)
	})
}

func (t *Tracker) Stop(ctx context.Context) error {
	key := uuid.NewString()
	return t.do(ctx, func(ctx context.Context) (domain.Snapshot, error) {
		return t.c.Stop(ctx, t.psychicID, key)
	})
}

// do is single-flight: while an operation runs, pushes and fetched snapshots
// are dropped so a stale frame cannot overwrite its result.
func (t *Tracker) do(ctx context.Context, op func(context.Context) (domain.Snapshot, error)) error {
	t.mu.Lock()
	if t.busy {
		t.mu.Unlock()
		return ErrBusy
	}
	t.busy = true
	t.mu.Unlock()

	snap, err := op(ctx)
	if err == nil {
		t.apply(snap, true)
	}

	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()

	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.IsLocked():
				time.AfterFunc(t.cfg.LockedResync, t.requestRefetch)
			case apiErr.Code == "state_already_reached":
				t.requestRefetch()
			}
		}
		t.setError(err)
	}
	return err
}

func (t *Tracker) requestRefetch() {
	select {
	case t.refetch <- struct{}{}:
	default:
	}
}

// spawn is only called from the Run goroutine.
func (t *Tracker) spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// refresh is single-flight: a request while a fetch is running is folded
// into one more fetch after it.
func (t *Tracker) refresh(ctx context.Context) {
	t.mu.Lock()
	if t.fetching {
		t.fetchAgain = true
		t.mu.Unlock()
		return
	}
	t.fetching = true
	t.mu.Unlock()

	t.spawn(func() {
		for {
			t.fetch(ctx)

			t.mu.Lock()
			again := t.fetchAgain && ctx.Err() == nil
			t.fetchAgain = false
			if !again {
				t.fetching = false
			}
			t.mu.Unlock()
			if !again {
				return
			}
		}
	})
}

func (t *Tracker) startFreeAuto(ctx context.Context) {
	err := t.StartFree(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.IsFreeUsed():
		t.requestRefetch()
	case errors.Is(err, ErrBusy), errors.As(err, &apiErr) && apiErr.IsLocked():
		// the next applied snapshot tries again
		t.mu.Lock()
		t.autoStarted = false
		t.mu.Unlock()
	default:
		t.log.Warn().Err(err).Msg("free minute auto-start failed")
	}
}

func (t *Tracker) fetch(ctx context.Context) {
	snap, err := t.c.Status(ctx, t.psychicID)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warn().Err(err).Msg("status fetch failed")
			t.setError(err)
		}
		return
	}
	t.apply(snap, false)
}

// apply installs snap and restarts the countdown from its timer.
func (t *Tracker) apply(snap domain.Snapshot, fromOp bool) bool {
	t.mu.Lock()
	if t.busy && !fromOp {
		t.mu.Unlock()
		return false
	}
	t.view.Snapshot = snap
	t.view.Loaded = true
	t.view.Remaining = snap.TimerSeconds()
	t.view.LastError = nil
	v := t.view
	auto := t.cfg.AutoStartFree && !t.autoStarted &&
		snap.Status == domain.StatusNew && !snap.FreeSessionUsed
	if auto {
		t.autoStarted = true
	}
	t.mu.Unlock()

	t.notify(v)
	if auto {
		select {
		case t.autoStart <- struct{}{}:
		default:
		}
	}
	return true
}

// countdown steps the local timer and reports when it just hit zero.
func (t *Tracker) countdown() bool {
	t.mu.Lock()
	if !t.view.Snapshot.TimerActive() || t.view.Remaining <= 0 {
		t.mu.Unlock()
		return false
	}
	t.view.Remaining--
	due := t.view.Remaining == 0
	v := t.view
	t.mu.Unlock()

	t.notify(v)
	return due
}

func (t *Tracker) setCredits(credits int) {
	t.mu.Lock()
	if t.busy {
		t.mu.Unlock()
		return
	}
	t.view.Snapshot.Credits = credits
	v := t.view
	t.mu.Unlock()
	t.notify(v)
}

func (t *Tracker) setPolling(polling bool) {
	t.mu.Lock()
	if t.view.Polling == polling {
		t.mu.Unlock()
		return
	}
	t.view.Polling = polling
	v := t.view
	t.mu.Unlock()
	t.notify(v)
}

func (t *Tracker) setError(err error) {
	t.mu.Lock()
	t.view.LastError = err
	v := t.view
	t.mu.Unlock()
	t.notify(v)
}

func (t *Tracker) notify(v View) {
	if t.OnChange != nil {
		t.OnChange(v)
	}
}

// -------------------------
// push socket
// -------------------------

type pushFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (t *Tracker) pushLoop(ctx context.Context, frames chan<- pushFrame) {
	for {
		conn, err := t.c.DialPush(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debug().Err(err).Msg("push unavailable; polling")
			t.setPolling(true)
		} else {
			t.setPolling(false)
			// events may have been missed while disconnected
			t.requestRefetch()
			t.readFrames(ctx, conn, frames)
			t.setPolling(true)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.Reconnect):
		}
	}
}

func (t *Tracker) readFrames(ctx context.Context, conn *websocket.Conn, frames chan<- pushFrame) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	for {
		var f pushFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				t.log.Debug().Err(err).Msg("push socket closed")
			}
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) handleFrame(f pushFrame) {
	switch f.Event {
	case domain.EventSessionUpdate:
		var snap domain.Snapshot
		if err := json.Unmarshal(f.Data, &snap); err != nil {
			t.log.Warn().Err(err).Msg("bad sessionUpdate frame")
			return
		}
		// the user topic carries updates for every psychic
		if snap.PsychicID != t.psychicID {
			return
		}
		t.apply(snap, false)

	case domain.EventCreditsUpdate:
		var cu domain.CreditsUpdate
		if err := json.Unmarshal(f.Data, &cu); err != nil {
			t.log.Warn().Err(err).Msg("bad creditsUpdate frame")
			return
		}
		t.setCredits(cu.Credits)

	case domain.EventMessage:
		var msg domain.ChatMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			t.log.Warn().Err(err).Msg("bad message frame")
			return
		}
		if msg.PsychicID == t.psychicID && t.OnMessage != nil {
			t.OnMessage(msg)
		}
	}
}
