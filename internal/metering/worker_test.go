package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	due      []uuid.UUID
	dueErr   error
	results  map[uuid.UUID]domain.Transition
	errs     map[uuid.UUID]error
	advanced []uuid.UUID
	traceIDs []string
}

func (r *fakeRepo) DueSessions(_ context.Context, _ time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dueErr != nil {
		return nil, r.dueErr
	}
	n := len(r.due)
	if n > limit {
		n = limit
	}
	return append([]uuid.UUID(nil), r.due[:n]...), nil
}

func (r *fakeRepo) AdvanceSession(_ context.Context, traceID string, id uuid.UUID, _ time.Time) (domain.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanced = append(r.advanced, id)
	r.traceIDs = append(r.traceIDs, traceID)
	if err := r.errs[id]; err != nil {
		return domain.Transition{}, err
	}
	tr := r.results[id]
	// once advanced, a session is no longer due
	var out []uuid.UUID
	for _, d := range r.due {
		if d != id {
			out = append(out, d)
		}
	}
	r.due = out
	return tr, nil
}

type fakePublisher struct {
	mu  sync.Mutex
	got []domain.Transition
}

func (p *fakePublisher) Publish(_ context.Context, tr domain.Transition) {
	p.mu.Lock()
	p.got = append(p.got, tr)
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func transition(outcome domain.Outcome) domain.Transition {
	return domain.Transition{Session: &domain.Session{ID: uuid.New()}, Outcome: outcome}
}

func TestTick_PublishesChangedTransitionsOnly(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	repo := &fakeRepo{
		due: []uuid.UUID{a, b, c, d},
		results: map[uuid.UUID]domain.Transition{
			a: transition(domain.OutcomeFreeExpired),
			b: transition(domain.OutcomeNone), // wallet busy, retried next tick
			c: transition(domain.OutcomeMinuteDebited),
		},
		errs: map[uuid.UUID]error{d: errors.New("deadlock")},
	}
	pub := &fakePublisher{}
	w := NewWorker(repo, pub, time.Second, 10)

	changed := w.tick(context.Background())

	assert.Equal(t, 2, changed)
	require.Len(t, pub.got, 2)
	assert.Equal(t, domain.OutcomeFreeExpired, pub.got[0].Outcome)
	assert.Equal(t, domain.OutcomeMinuteDebited, pub.got[1].Outcome)
	assert.Equal(t, []uuid.UUID{a, b, c, d}, repo.advanced)

	// every step of a tick shares one trace id
	for _, tid := range repo.traceIDs {
		assert.Equal(t, repo.traceIDs[0], tid)
	}
	assert.Contains(t, repo.traceIDs[0], "metering-")
}

func TestTick_RespectsBatch(t *testing.T) {
	repo := &fakeRepo{due: []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}, results: map[uuid.UUID]domain.Transition{}}
	w := NewWorker(repo, nil, time.Second, 2)

	w.tick(context.Background())
	assert.Len(t, repo.advanced, 2)
}

func TestTick_DueQueryErrorIsSwallowed(t *testing.T) {
	repo := &fakeRepo{dueErr: errors.New("db down")}
	w := NewWorker(repo, &fakePublisher{}, time.Second, 10)

	assert.Equal(t, 0, w.tick(context.Background()))
	assert.Empty(t, repo.advanced)
}

func TestStart_RunsUntilCanceled(t *testing.T) {
	id := uuid.New()
	repo := &fakeRepo{
		due:     []uuid.UUID{id},
		results: map[uuid.UUID]domain.Transition{id: transition(domain.OutcomeCreditsExhausted)},
	}
	pub := &fakePublisher{}
	w := NewWorker(repo, pub, 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	assert.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}
