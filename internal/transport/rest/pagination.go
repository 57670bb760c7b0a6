package rest

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
)

var errBadCursor = errors.New("bad cursor")

// cursor = base64url("RFC3339Nano|uuid")
func encodeCursor(c *domain.KeysetCursor) string {
	if c == nil {
		return ""
	}
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*domain.KeysetCursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	ts, id, ok := strings.Cut(string(b), "|")
	if !ok {
		return nil, errBadCursor
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, errBadCursor
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, errBadCursor
	}
	return &domain.KeysetCursor{CreatedAt: t, ID: uid}, nil
}

type page struct {
	limit  int
	cursor *domain.KeysetCursor
}

func parsePage(q url.Values) (page, error) {
	cur, err := decodeCursor(q.Get("cursor"))
	if err != nil {
		return page{}, err
	}
	return page{limit: parseLimit(q.Get("limit")), cursor: cur}, nil
}

func parseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

// parseStatuses reads status=free,paid,... and rejects unknown values.
func parseStatuses(s string) ([]domain.SessionStatus, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []domain.SessionStatus
	for _, p := range strings.Split(s, ",") {
		v := domain.SessionStatus(strings.TrimSpace(p))
		if v == "" {
			continue
		}
		if !v.Valid() || v == domain.StatusNew {
			return nil, errors.New("unknown status " + string(v))
		}
		out = append(out, v)
	}
	return out, nil
}
