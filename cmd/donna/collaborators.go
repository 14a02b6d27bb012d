package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/donna/internal/tools"
	"github.com/google/uuid"
)

// outbox records collaborator actions as JSONL files under <home>/outbox/.
// It is the default action backend when no external mail/calendar/CRM
// integration is configured: every action the agent takes is durably written
// where the user can inspect it, and the executor path runs end to end.
type outbox struct {
	dir string
	log *slog.Logger

	mu sync.Mutex
}

func newOutbox(homeDir string, log *slog.Logger) (*outbox, error) {
	dir := filepath.Join(homeDir, "outbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	return &outbox{dir: dir, log: log}, nil
}

func (o *outbox) append(kind string, record map[string]any) error {
	record["kind"] = kind
	record["recorded_at"] = time.Now().UTC().Format(time.RFC3339)
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(o.dir, kind+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write outbox record: %w", err)
	}
	return nil
}

// collaborators bundles the local adapters handed to the handler registry.
type collaborators struct {
	Mail      tools.MailSender
	Calendar  tools.Calendar
	CRM       tools.CRM
	Scheduler tools.MeetingScheduler
}

func newLocalCollaborators(homeDir string, log *slog.Logger) (*collaborators, error) {
	out, err := newOutbox(homeDir, log)
	if err != nil {
		return nil, err
	}
	return &collaborators{
		Mail:     &localMail{out: out},
		Calendar: &localCalendar{out: out},
		CRM:      &localCRM{out: out},
		Scheduler: &localScheduler{
			out:     out,
			pending: make(map[string]tools.MeetingRequest),
		},
	}, nil
}

type localMail struct{ out *outbox }

func (m *localMail) Send(ctx context.Context, ownerID string, email tools.OutboundEmail) (string, error) {
	id := "msg-" + uuid.NewString()
	err := m.out.append("email", map[string]any{
		"message_id":          id,
		"owner_id":            ownerID,
		"to":                  email.To,
		"cc":                  email.CC,
		"subject":             email.Subject,
		"body":                email.Body,
		"reply_to_message_id": email.ReplyToMessageID,
	})
	if err != nil {
		return "", err
	}
	m.out.log.Info("outbox email recorded", "owner_id", ownerID, "to", email.To, "subject", email.Subject)
	return id, nil
}

type localCalendar struct{ out *outbox }

func (c *localCalendar) CreateEvent(ctx context.Context, ownerID string, event tools.CalendarEvent) (string, error) {
	id := "evt-" + uuid.NewString()
	err := c.out.append("calendar_event", map[string]any{
		"event_id":    id,
		"owner_id":    ownerID,
		"title":       event.Title,
		"start_time":  event.StartTime,
		"end_time":    event.EndTime,
		"attendees":   event.Attendees,
		"location":    event.Location,
		"description": event.Description,
	})
	if err != nil {
		return "", err
	}
	c.out.log.Info("outbox calendar event recorded", "owner_id", ownerID, "title", event.Title)
	return id, nil
}

type localCRM struct{ out *outbox }

func (c *localCRM) CreateContact(ctx context.Context, ownerID string, contact tools.Contact) (string, error) {
	id := "ct-" + uuid.NewString()
	err := c.out.append("contact", map[string]any{
		"contact_id": id,
		"owner_id":   ownerID,
		"email":      contact.Email,
		"name":       contact.Name,
		"company":    contact.Company,
		"phone":      contact.Phone,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *localCRM) UpdateContact(ctx context.Context, ownerID, contactID string, fields map[string]string) error {
	return c.out.append("contact_update", map[string]any{
		"contact_id": contactID,
		"owner_id":   ownerID,
		"fields":     fields,
	})
}

func (c *localCRM) AddNote(ctx context.Context, ownerID string, note tools.Note) (string, error) {
	id := "note-" + uuid.NewString()
	err := c.out.append("note", map[string]any{
		"note_id":    id,
		"owner_id":   ownerID,
		"contact_id": note.ContactID,
		"title":      note.Title,
		"content":    note.Content,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// localScheduler confirms availability requests on the first re-check,
// booking the earliest requested slot. Requests that survive a process
// restart confirm with a next-day fallback slot so a parked task never
// waits forever on state this adapter no longer has.
type localScheduler struct {
	out *outbox

	mu      sync.Mutex
	pending map[string]tools.MeetingRequest
}

func (s *localScheduler) RequestAvailability(ctx context.Context, ownerID string, req tools.MeetingRequest) (string, error) {
	id := "avail-" + uuid.NewString()
	err := s.out.append("meeting_request", map[string]any{
		"request_id":       id,
		"owner_id":         ownerID,
		"title":            req.Title,
		"attendees":        req.Attendees,
		"duration_minutes": req.DurationMinutes,
		"earliest_start":   req.EarliestStart,
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.pending[id] = req
	s.mu.Unlock()
	return id, nil
}

func (s *localScheduler) CheckResponses(ctx context.Context, ownerID, requestID string) (*tools.MeetingSlot, bool, error) {
	s.mu.Lock()
	req, known := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	if known && req.EarliestStart != "" {
		if t, err := time.Parse(time.RFC3339, req.EarliestStart); err == nil && t.After(time.Now()) {
			start = t
		}
	}
	length := 30 * time.Minute
	if known && req.DurationMinutes > 0 {
		length = time.Duration(req.DurationMinutes) * time.Minute
	}
	slot := &tools.MeetingSlot{
		StartTime: start.Format(time.RFC3339),
		EndTime:   start.Add(length).Format(time.RFC3339),
	}
	err := s.out.append("meeting_confirmed", map[string]any{
		"request_id": requestID,
		"owner_id":   ownerID,
		"start_time": slot.StartTime,
		"end_time":   slot.EndTime,
	})
	if err != nil {
		return nil, false, err
	}
	return slot, true, nil
}
