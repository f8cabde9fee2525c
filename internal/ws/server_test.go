package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/jobqueue/internal/events"
	"github.com/zerverless/jobqueue/internal/worker"
)

func dial(t *testing.T, broker *events.Broker) (*websocket.Conn, AckMessage) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(NewServer(broker, nil).HandleEvents))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var ack AckMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	return conn, ack
}

func TestServer_StreamsEvents(t *testing.T) {
	broker := events.NewBroker(0, nil)
	conn, ack := dial(t, broker)

	assert.Equal(t, "ack", ack.Type)
	assert.NotEmpty(t, ack.SubscriberID)
	require.Equal(t, 1, broker.Stats().Subscribers)

	broker.Publish(worker.Event{Type: worker.EventRetried, JobID: "job-1", Attempt: 2, Error: "timeout"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg EventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, worker.EventRetried, msg.Event.Type)
	assert.Equal(t, "job-1", msg.Event.JobID)
	assert.Equal(t, 2, msg.Event.Attempt)
	assert.Equal(t, "timeout", msg.Event.Error)
}

func TestServer_UnsubscribesOnClose(t *testing.T) {
	broker := events.NewBroker(0, nil)
	conn, _ := dial(t, broker)
	require.Equal(t, 1, broker.Stats().Subscribers)

	conn.Close(websocket.StatusNormalClosure, "bye")

	assert.Eventually(t, func() bool {
		return broker.Stats().Subscribers == 0
	}, 5*time.Second, 10*time.Millisecond)
}
