package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AddLogHandler mirrors lifecycle events into the zerolog stream.
func AddLogHandler(b *Bus) {
	b.AddHandler("lifecycle-log", TopicLifecycle, func(msg *message.Message) error {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Msg("malformed lifecycle event")
			return nil
		}
		ev := log.Info().Str("event", env.Type)
		if len(env.Payload) > 0 {
			ev = ev.RawJSON("payload", env.Payload)
		}
		ev.Msg("lifecycle")
		return nil
	})
}

// EventLog appends lifecycle events to a jsonl file.
type EventLog struct {
	mu sync.Mutex
	f  *os.File
}

func NewEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir events dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open events log")
	}
	return &EventLog{f: f}, nil
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// AddTo registers the event log as a bus consumer.
func (l *EventLog) AddTo(b *Bus) {
	b.AddHandler("lifecycle-eventlog", TopicLifecycle, func(msg *message.Message) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, err := l.f.Write(append(msg.Payload, '\n')); err != nil {
			return errors.Wrap(err, "append events log")
		}
		return nil
	})
}
