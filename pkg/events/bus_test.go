package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesEventLog(t *testing.T) {
	bus, err := NewInMemoryBus()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	eventLog, err := NewEventLog(path)
	require.NoError(t, err)
	defer func() { _ = eventLog.Close() }()
	eventLog.AddTo(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()
	<-bus.Running()

	require.NoError(t, bus.Publish(TypeWorkerStarted, WorkerEvent{Slot: 1, PID: 42}))
	require.NoError(t, bus.Publish(TypeReloadTriggered, ReloadEvent{Source: "sighup"}))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		return strings.Count(strings.TrimSpace(string(b)), "\n") == 1
	}, 3*time.Second, 50*time.Millisecond)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &env))
	require.Equal(t, TypeWorkerStarted, env.Type)

	var payload WorkerEvent
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, 42, payload.PID)
}

// The very first event a launch publishes is supervisor.started,
// emitted right after the bus goroutine is kicked off. It must land in
// the event log rather than being dropped by a not-yet-subscribed
// consumer.
func TestBus_FirstEventAfterRunningIsDelivered(t *testing.T) {
	bus, err := NewInMemoryBus()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	eventLog, err := NewEventLog(path)
	require.NoError(t, err)
	defer func() { _ = eventLog.Close() }()
	eventLog.AddTo(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()
	<-bus.Running()

	require.NoError(t, bus.Publish(TypeSupervisorStarted, nil))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(b), TypeSupervisorStarted)
	}, 3*time.Second, 25*time.Millisecond)
}

func TestNewEnvelope_RejectsEmptyType(t *testing.T) {
	_, err := NewEnvelope("", nil)
	require.Error(t, err)
}
