package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/manu5703/concurrent-analytics-system/pkg/models"
)

// Push channel events
const (
	EventConnect   = "connect"
	EventJobUpdate = "job_update"
	EventAck       = "ack"
)

// DefaultPushPath is where the analysis service accepts push channel connections
const DefaultPushPath = "/ws"

// Envelope is one frame on the push channel
type Envelope struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectData is the payload of the connect frame
type ConnectData struct {
	SID string `json:"sid"`
}

// NewEnvelope marshals payload into an envelope
func NewEnvelope(event string, id uint64, payload interface{}) (Envelope, error) {
	env := Envelope{Event: event, ID: id}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// DecodeJobUpdate parses a job_update payload, normalizing the status
func DecodeJobUpdate(data json.RawMessage) (models.JobRecord, error) {
	var update models.JobRecord
	if err := json.Unmarshal(data, &update); err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to decode job update: %w", err)
	}
	update.Status = models.ParseStatus(string(update.Status))
	return update, nil
}

// PushURL derives the websocket URL from the service base URL
func PushURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in server url", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + DefaultPushPath
	return u.String(), nil
}
