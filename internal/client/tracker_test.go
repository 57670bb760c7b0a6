package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves the session endpoints from mutable state.
type fakeAPI struct {
	mu          sync.Mutex
	statuses    []domain.Snapshot // served in order; the last one repeats
	statusCalls int
	failStatus  func(call int) bool // answer 503 for this call number
	startFn     func(w http.ResponseWriter, r *http.Request)

	wsEnabled bool
	conns     chan *websocket.Conn
	upgrader  websocket.Upgrader
}

func newFakeAPI(t *testing.T, statuses ...domain.Snapshot) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{statuses: statuses, conns: make(chan *websocket.Conn, 1)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/ws":
		f.mu.Lock()
		enabled := f.wsEnabled
		f.mu.Unlock()
		if !enabled {
			http.NotFound(w, r)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn

	case strings.HasPrefix(r.URL.Path, "/api/session-status/"):
		f.mu.Lock()
		f.statusCalls++
		call := f.statusCalls
		fail := f.failStatus
		f.mu.Unlock()
		if fail != nil && fail(call) {
			writeErr(w, http.StatusServiceUnavailable, "internal", "unavailable")
			return
		}

		f.mu.Lock()
		idx := min(call, len(f.statuses)) - 1
		snap := f.statuses[idx]
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, snap)

	default:
		f.mu.Lock()
		fn := f.startFn
		f.mu.Unlock()
		if fn == nil {
			http.NotFound(w, r)
			return
		}
		fn(w, r)
	}
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func slowConfig() TrackerConfig {
	return TrackerConfig{
		Tick:         time.Hour,
		CreditsPoll:  time.Hour,
		FallbackPoll: time.Hour,
		LockedResync: time.Hour,
		Reconnect:    time.Hour,
	}
}

func runTracker(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestTracker_PollsWhenPushUnavailable(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew, Credits: 5})

	cfg := slowConfig()
	cfg.FallbackPoll = 10 * time.Millisecond
	tr := NewTracker(newTestClient(srv.URL), pid, cfg)
	runTracker(t, tr)

	require.Eventually(t, func() bool { return api.calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	v := tr.View()
	assert.True(t, v.Polling)
	assert.True(t, v.Loaded)
	assert.Equal(t, 5, v.Snapshot.Credits)
}

func TestTracker_CountdownRefetchesAtZero(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t,
		domain.Snapshot{PsychicID: pid, Status: domain.StatusFree, IsFree: true, RemainingFreeTime: 2},
		domain.Snapshot{PsychicID: pid, Status: domain.StatusStopped, FreeSessionUsed: true},
	)

	cfg := slowConfig()
	cfg.Tick = 10 * time.Millisecond
	tr := NewTracker(newTestClient(srv.URL), pid, cfg)
	runTracker(t, tr)

	require.Eventually(t, func() bool {
		return tr.View().Snapshot.Status == domain.StatusStopped
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, api.calls())
	assert.Equal(t, 0, tr.View().Remaining)
}

func TestTracker_SingleFlight(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew})

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	api.startFn = func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		writeJSON(w, http.StatusOK, domain.Snapshot{PsychicID: pid, Status: domain.StatusFree, IsFree: true, RemainingFreeTime: 60})
	}

	tr := NewTracker(newTestClient(srv.URL), pid, slowConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- tr.StartFree(context.Background()) }()
	<-entered

	assert.ErrorIs(t, tr.Stop(context.Background()), ErrBusy)

	close(release)
	require.NoError(t, <-errCh)
	v := tr.View()
	assert.Equal(t, domain.StatusFree, v.Snapshot.Status)
	assert.Equal(t, 60, v.Remaining)
}

func TestTracker_LockedSchedulesResync(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew, Credits: 3})
	api.startFn = func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusLocked, "session.locked", "session or wallet is locked")
	}

	cfg := slowConfig()
	cfg.LockedResync = 20 * time.Millisecond
	tr := NewTracker(newTestClient(srv.URL), pid, cfg)
	runTracker(t, tr)
	require.Eventually(t, func() bool { return api.calls() == 1 }, time.Second, 5*time.Millisecond)

	err := tr.StartPaid(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsLocked())
	require.Eventually(t, func() bool { return api.calls() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestTracker_AppliesPushFrames(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew, Credits: 5})
	api.wsEnabled = true

	tr := NewTracker(newTestClient(srv.URL), pid, slowConfig())
	runTracker(t, tr)

	var conn *websocket.Conn
	select {
	case conn = <-api.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker never dialed the push socket")
	}
	defer conn.Close()

	// initial fetch plus the catch-up fetch after connecting
	require.Eventually(t, func() bool { return api.calls() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !tr.View().Polling }, time.Second, 5*time.Millisecond)

	send := func(name string, data any) {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(map[string]any{"event": name, "data": json.RawMessage(raw)}))
	}
	send(domain.EventSessionUpdate, domain.Snapshot{PsychicID: uuid.New(), Status: domain.StatusPaid, Credits: 99})
	send(domain.EventSessionUpdate, domain.Snapshot{PsychicID: pid, Status: domain.StatusPaid, PaidTimer: 60, Credits: 4})
	send(domain.EventCreditsUpdate, domain.CreditsUpdate{Credits: 3})

	require.Eventually(t, func() bool {
		v := tr.View()
		return v.Snapshot.Status == domain.StatusPaid && v.Snapshot.Credits == 3
	}, 2*time.Second, 5*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return tr.View().Polling }, 2*time.Second, 5*time.Millisecond)
}

func TestTracker_DropsPushesWhileBusy(t *testing.T) {
	pid := uuid.New()
	tr := NewTracker(New("http://unused", ""), pid, slowConfig())
	require.True(t, tr.apply(domain.Snapshot{PsychicID: pid, Status: domain.StatusFree, IsFree: true, RemainingFreeTime: 30, Credits: 2}, false))

	raw, _ := json.Marshal(domain.Snapshot{PsychicID: pid, Status: domain.StatusStopped})
	credits, _ := json.Marshal(domain.CreditsUpdate{Credits: 50})

	tr.mu.Lock()
	tr.busy = true
	tr.mu.Unlock()

	tr.handleFrame(pushFrame{Event: domain.EventSessionUpdate, Data: raw})
	tr.handleFrame(pushFrame{Event: domain.EventCreditsUpdate, Data: credits})
	assert.Equal(t, domain.StatusFree, tr.View().Snapshot.Status)
	assert.Equal(t, 2, tr.View().Snapshot.Credits)

	tr.mu.Lock()
	tr.busy = false
	tr.mu.Unlock()

	tr.handleFrame(pushFrame{Event: domain.EventSessionUpdate, Data: raw})
	assert.Equal(t, domain.StatusStopped, tr.View().Snapshot.Status)
	assert.Equal(t, 0, tr.View().Remaining)
}

func TestTracker_MessageCallbackFiltersPsychic(t *testing.T) {
	pid := uuid.New()
	tr := NewTracker(New("http://unused", ""), pid, slowConfig())

	var got []string
	tr.OnMessage = func(m domain.ChatMessage) { got = append(got, m.Body) }

	mine, _ := json.Marshal(domain.ChatMessage{PsychicID: pid, Body: "hello"})
	other, _ := json.Marshal(domain.ChatMessage{PsychicID: uuid.New(), Body: "elsewhere"})
	tr.handleFrame(pushFrame{Event: domain.EventMessage, Data: mine})
	tr.handleFrame(pushFrame{Event: domain.EventMessage, Data: other})
	tr.handleFrame(pushFrame{Event: "unknown", Data: mine})

	assert.Equal(t, []string{"hello"}, got)
}

func TestTracker_CountdownKeepsPaceWhileStatusFails(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusFree, IsFree: true, RemainingFreeTime: 60})
	api.failStatus = func(call int) bool { return call > 1 }

	cfg := slowConfig()
	cfg.Tick = 20 * time.Millisecond
	cfg.FallbackPoll = 40 * time.Millisecond
	tr := NewTracker(New(srv.URL, "tok", WithRetry(3, 20*time.Millisecond)), pid, cfg)
	runTracker(t, tr)

	require.Eventually(t, func() bool { return tr.View().Loaded }, time.Second, 5*time.Millisecond)
	time.Sleep(600 * time.Millisecond)

	// ~30 ticks elapsed; a loop blocked on retries would manage only a handful
	v := tr.View()
	assert.LessOrEqual(t, v.Remaining, 60-15)
	assert.Greater(t, api.calls(), 3)
	assert.Error(t, v.LastError)
}

func TestTracker_PollsUntilCreditsKnown(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew, Credits: 7})
	// the first Status call exhausts its three attempts
	api.failStatus = func(call int) bool { return call <= 3 }

	cfg := slowConfig()
	cfg.CreditsPoll = 20 * time.Millisecond
	tr := NewTracker(newTestClient(srv.URL), pid, cfg)
	runTracker(t, tr)

	require.Eventually(t, func() bool { return tr.View().Loaded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, tr.View().Snapshot.Credits)

	// a poll that raced the successful fetch may still land once
	time.Sleep(40 * time.Millisecond)
	loadedAt := api.calls()
	assert.GreaterOrEqual(t, loadedAt, 4)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, loadedAt, api.calls())
}

func TestTracker_AutoStartsFreeMinute(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew, Credits: 2})

	var starts int32
	api.startFn = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/start-free-session/"+pid.String(), r.URL.Path)
		atomic.AddInt32(&starts, 1)
		writeJSON(w, http.StatusOK, domain.Snapshot{
			PsychicID: pid, Status: domain.StatusFree, IsFree: true, RemainingFreeTime: 60, Credits: 2, FreeSessionUsed: true,
		})
	}

	cfg := slowConfig()
	cfg.AutoStartFree = true
	tr := NewTracker(newTestClient(srv.URL), pid, cfg)
	runTracker(t, tr)

	require.Eventually(t, func() bool { return tr.View().Snapshot.Status == domain.StatusFree }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 60, tr.View().Remaining)

	// a later "new" snapshot does not start it twice
	tr.apply(domain.Snapshot{PsychicID: pid, Status: domain.StatusNew}, false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
}

func TestTracker_AutoStartSkipsUsedFreeMinute(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew, FreeSessionUsed: true})

	var starts int32
	api.startFn = func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&starts, 1)
		writeErr(w, http.StatusConflict, "free_session.used", "Free minute already used")
	}

	cfg := slowConfig()
	cfg.AutoStartFree = true
	tr := NewTracker(newTestClient(srv.URL), pid, cfg)
	runTracker(t, tr)

	require.Eventually(t, func() bool { return tr.View().Loaded }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&starts))
}

func TestTracker_AutoStartRefetchesWhenFreeUsed(t *testing.T) {
	pid := uuid.New()
	api, srv := newFakeAPI(t,
		domain.Snapshot{PsychicID: pid, Status: domain.StatusNew},
		domain.Snapshot{PsychicID: pid, Status: domain.StatusStopped, FreeSessionUsed: true},
	)

	var starts int32
	api.startFn = func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&starts, 1)
		writeErr(w, http.StatusConflict, "free_session.used", "Free minute already used")
	}

	cfg := slowConfig()
	cfg.AutoStartFree = true
	tr := NewTracker(newTestClient(srv.URL), pid, cfg)
	runTracker(t, tr)

	require.Eventually(t, func() bool {
		return tr.View().Snapshot.Status == domain.StatusStopped
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tr.View().Snapshot.FreeSessionUsed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
}
