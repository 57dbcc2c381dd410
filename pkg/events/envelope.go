package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const TopicLifecycle = "prefork.lifecycle"

const (
	TypeSupervisorStarted  = "supervisor.started"
	TypeSupervisorStopping = "supervisor.stopping"
	TypeWorkerStarted      = "worker.started"
	TypeWorkerReady        = "worker.ready"
	TypeWorkerExited       = "worker.exited"
	TypeWorkerRespawned    = "worker.respawned"
	TypeReloadTriggered    = "reload.triggered"
)

type Envelope struct {
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkerEvent is the payload for worker.* event types.
type WorkerEvent struct {
	Slot     int    `json:"slot"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ReloadEvent is the payload for reload.triggered.
type ReloadEvent struct {
	Paths []string `json:"paths,omitempty"`
	// Source is "watch" or "sighup".
	Source string `json:"source"`
}

func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("empty envelope type")
	}
	env := Envelope{Type: typ, At: time.Now()}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal envelope payload")
	}
	env.Payload = b
	return env, nil
}

func (e Envelope) MarshalJSONBytes() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}
