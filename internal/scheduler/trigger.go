package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

var (
	ErrNotFound      = errors.New("trigger not found")
	ErrInvalidInput  = errors.New("invalid trigger")
	ErrUnknownWorker = errors.New("unknown worker")
	ErrClosed        = errors.New("scheduler closed")
)

const (
	TypeEvent   = "@event"
	TypeCron    = "@cron"
	TypeWebhook = "@webhook"
)

// Message is handed to the worker of every job of a trigger.
type Message struct {
	SharingID string          `json:"sharing_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Trigger starts jobs of a worker. Arguments are the space separated doctypes
// of an @event trigger or the schedule of a @cron trigger.
type Trigger struct {
	ID        string    `json:"_id"`
	Type      string    `json:"type"`
	Worker    string    `json:"worker"`
	Arguments string    `json:"arguments,omitempty"`
	Debounce  string    `json:"debounce,omitempty"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *Trigger) debounce() time.Duration {
	if t.Debounce == "" {
		return 0
	}
	d, err := time.ParseDuration(t.Debounce)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Listens reports whether an @event trigger watches doctype.
func (t *Trigger) Listens(doctype string) bool {
	if t.Type != TypeEvent {
		return false
	}
	for _, candidate := range strings.Fields(t.Arguments) {
		if candidate == doctype {
			return true
		}
	}
	return false
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateTrigger(t *Trigger) error {
	if strings.TrimSpace(t.Worker) == "" {
		return fmt.Errorf("%w: worker is required", ErrInvalidInput)
	}
	if t.Debounce != "" {
		if d, err := time.ParseDuration(t.Debounce); err != nil || d < 0 {
			return fmt.Errorf("%w: debounce %q", ErrInvalidInput, t.Debounce)
		}
	}
	switch t.Type {
	case TypeEvent:
		if len(strings.Fields(t.Arguments)) == 0 {
			return fmt.Errorf("%w: @event needs at least one doctype", ErrInvalidInput)
		}
	case TypeCron:
		if _, err := cronParser.Parse(t.Arguments); err != nil {
			return fmt.Errorf("%w: schedule %q: %v", ErrInvalidInput, t.Arguments, err)
		}
	case TypeWebhook:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInput, t.Type)
	}
	return nil
}

func triggerToDocument(t *Trigger) (*docstore.Document, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &docstore.Document{ID: t.ID, Doctype: docstore.DoctypeTriggers, Attributes: body}, nil
}

func triggerFromDocument(doc *docstore.Document) (*Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(doc.Attributes, &t); err != nil {
		return nil, fmt.Errorf("%w: trigger %s: %v", docstore.ErrCorrupted, doc.ID, err)
	}
	t.ID = doc.ID
	return &t, nil
}
