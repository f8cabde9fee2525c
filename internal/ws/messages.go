package ws

import (
	"time"

	"github.com/zerverless/jobqueue/internal/worker"
)

// Server → client

type AckMessage struct {
	Type         string `json:"type"`
	SubscriberID string `json:"subscriber_id"`
	Message      string `json:"message"`
}

type EventMessage struct {
	Type  string       `json:"type"`
	Event worker.Event `json:"event"`
}

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
