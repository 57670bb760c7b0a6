package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/baechuer/psychic-connect/services/session-service/internal/client"
	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--api", srvURL, "--token", "tok"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCmd_PrintsSnapshot(t *testing.T) {
	pid := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(domain.Snapshot{PsychicID: pid, Status: domain.StatusPaid, PaidTimer: 42, Credits: 8})
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "status", pid.String())

	require.NoError(t, err)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, 8, snap.Credits)
	assert.Equal(t, 42, snap.PaidTimer)
}

func TestStartFreeCmd_ExplainsFreeUsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"free_session.used","message":"Free minute already used"}}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "start-free", uuid.NewString())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "free minute already used")
}

func TestCmd_RejectsBadPsychicID(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:1", "stop", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid psychic id")
}

func TestPlansCmd_FormatsPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"name":"Popular Plan","credits":20,"price_cents":1199,"currency":"EUR"}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "plans")

	require.NoError(t, err)
	assert.Contains(t, out, "Popular Plan")
	assert.Contains(t, out, "20 credits")
	assert.Contains(t, out, "11.99 EUR")
}

func TestFormatView(t *testing.T) {
	v := client.View{
		Snapshot:  domain.Snapshot{Status: domain.StatusFree, IsFree: true, RemainingFreeTime: 60, Credits: 0},
		Remaining: 12,
		Polling:   true,
	}
	assert.Equal(t, "status=free credits=0 timer=12s (polling)", formatView(v))

	v = client.View{Snapshot: domain.Snapshot{Status: domain.StatusStopped, Credits: 4}}
	assert.Equal(t, "status=stopped credits=4", formatView(v))
}

func TestWatchCmd_AutoFreeFlag(t *testing.T) {
	watch, _, err := newRootCmd().Find([]string{"watch"})
	require.NoError(t, err)

	f := watch.Flags().Lookup("auto-free")
	require.NotNil(t, f)
	assert.Equal(t, "true", f.DefValue)
}

func TestStopCmd_ExplainsFreeMinute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"free_session.running","message":"Free minute cannot be stopped"}}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "stop", uuid.NewString())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be stopped")
}
