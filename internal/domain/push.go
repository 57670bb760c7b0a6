package domain

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Push event names, as consumed by the chat view.
const (
	EventSessionUpdate = "sessionUpdate"
	EventCreditsUpdate = "creditsUpdate"
	EventMessage       = "message"
)

// PushEvent is one frame delivered to every connection subscribed to any of Topics.
type PushEvent struct {
	Name   string          `json:"event"`
	Topics []string        `json:"topics"`
	Data   json.RawMessage `json:"data"`
}

type PushPublisher interface {
	Push(ctx context.Context, ev PushEvent) error
}

func UserTopic(id uuid.UUID) string    { return "user:" + id.String() }
func PsychicTopic(id uuid.UUID) string { return "psychic:" + id.String() }

func NewPushEvent(name string, data any, topics ...string) (PushEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return PushEvent{}, err
	}
	return PushEvent{Name: name, Topics: topics, Data: raw}, nil
}
