package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/baechuer/psychic-connect/services/session-service/internal/client"
	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type commandHandler struct {
	baseURL  string
	token    string
	autoFree bool
}

func (h *commandHandler) client() *client.Client {
	return client.New(h.baseURL, h.token)
}

func (h *commandHandler) StatusCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePsychic(args[0])
	if err != nil {
		return err
	}
	snap, err := h.client().Status(cmd.Context(), pid)
	if err != nil {
		return explain(err)
	}
	return printJSON(cmd, snap)
}

func (h *commandHandler) StartFreeCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePsychic(args[0])
	if err != nil {
		return err
	}
	snap, err := h.client().StartFree(cmd.Context(), pid)
	if err != nil {
		return explain(err)
	}
	return printJSON(cmd, snap)
}

func (h *commandHandler) StartPaidCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePsychic(args[0])
	if err != nil {
		return err
	}
	snap, err := h.client().StartPaid(cmd.Context(), pid, uuid.NewString())
	if err != nil {
		return explain(err)
	}
	return printJSON(cmd, snap)
}

func (h *commandHandler) StopCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePsychic(args[0])
	if err != nil {
		return err
	}
	snap, err := h.client().Stop(cmd.Context(), pid, uuid.NewString())
	if err != nil {
		return explain(err)
	}
	if snap.ShowFeedbackModal {
		fmt.Fprintln(cmd.ErrOrStderr(), "session ended; feedback welcome")
	}
	return printJSON(cmd, snap)
}

func (h *commandHandler) WalletCmd(cmd *cobra.Command, _ []string) error {
	w, err := h.client().Wallet(cmd.Context())
	if err != nil {
		return explain(err)
	}
	return printJSON(cmd, w)
}

func (h *commandHandler) PlansCmd(cmd *cobra.Command, _ []string) error {
	plans, err := h.client().Plans(cmd.Context())
	if err != nil {
		return explain(err)
	}
	out := cmd.OutOrStdout()
	for _, p := range plans {
		fmt.Fprintf(out, "%-16s %3d credits  %d.%02d %s\n", p.Name, p.Credits, p.PriceCents/100, p.PriceCents%100, p.Currency)
	}
	return nil
}

// WatchCmd prints one line per view change until interrupted.
func (h *commandHandler) WatchCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePsychic(args[0])
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	cfg := client.DefaultTrackerConfig()
	cfg.AutoStartFree = h.autoFree
	tr := client.NewTracker(h.client(), pid, cfg)
	tr.OnChange = func(v client.View) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, formatView(v))
	}
	tr.OnMessage = func(m domain.ChatMessage) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "[%s] %s\n", m.Sender, m.Body)
	}
	return tr.Run(ctx)
}

func formatView(v client.View) string {
	s := v.Snapshot
	line := fmt.Sprintf("status=%s credits=%d", s.Status, s.Credits)
	if s.TimerActive() {
		line += fmt.Sprintf(" timer=%ds", v.Remaining)
	}
	if v.Polling {
		line += " (polling)"
	}
	if v.LastError != nil {
		line += " error=" + v.LastError.Error()
	}
	return line
}

func parsePsychic(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid psychic id %q", s)
	}
	return id, nil
}

// explain turns the well-known API errors into what the chat view would say.
func explain(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.IsFreeUsed():
		return errors.New("free minute already used; start a paid session")
	case apiErr.IsLocked():
		return errors.New("another start/stop is in progress; try again in a moment")
	case apiErr.IsInsufficientCredits():
		return errors.New("not enough credits; buy a plan first")
	case apiErr.Code == "free_session.running":
		return errors.New("the free minute cannot be stopped; it ends on its own")
	}
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
