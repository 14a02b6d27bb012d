package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/knowledge"
	"github.com/basket/donna/internal/persistence"
)

// OutboundEmail is the payload handed to the mail collaborator.
type OutboundEmail struct {
	To               string
	CC               []string
	Subject          string
	Body             string
	ReplyToMessageID string
}

// CalendarEvent is the payload handed to the calendar collaborator.
type CalendarEvent struct {
	Title       string
	StartTime   string
	EndTime     string
	Attendees   []string
	Location    string
	Description string
}

// Contact is the payload handed to the CRM collaborator.
type Contact struct {
	Email   string
	Name    string
	Company string
	Phone   string
}

// Note is a CRM note payload.
type Note struct {
	ContactID string
	Title     string
	Content   string
}

// MeetingRequest asks attendees for availability.
type MeetingRequest struct {
	Title           string
	Attendees       []string
	DurationMinutes int
	EarliestStart   string
	Notes           string
}

// MeetingSlot is a confirmed meeting time.
type MeetingSlot struct {
	StartTime string
	EndTime   string
}

// MailSender sends email on the owner's behalf. Implementations live
// outside the core; they are expected to hold a valid credential or fail
// with an auth error.
type MailSender interface {
	Send(ctx context.Context, ownerID string, email OutboundEmail) (messageID string, err error)
}

// Calendar manages the owner's calendar.
type Calendar interface {
	CreateEvent(ctx context.Context, ownerID string, event CalendarEvent) (eventID string, err error)
}

// CRM manages the owner's contacts and notes.
type CRM interface {
	CreateContact(ctx context.Context, ownerID string, contact Contact) (contactID string, err error)
	UpdateContact(ctx context.Context, ownerID, contactID string, fields map[string]string) error
	AddNote(ctx context.Context, ownerID string, note Note) (noteID string, err error)
}

// MeetingScheduler coordinates multi-party scheduling: it asks attendees
// for availability and reports back once everyone has answered. The poll
// side drives the task's waiting cycle.
type MeetingScheduler interface {
	RequestAvailability(ctx context.Context, ownerID string, req MeetingRequest) (requestID string, err error)
	CheckResponses(ctx context.Context, ownerID, requestID string) (slot *MeetingSlot, confirmed bool, err error)
}

// Deps bundles the collaborators the default handlers need.
type Deps struct {
	Mail      MailSender
	Calendar  Calendar
	CRM       CRM
	Scheduler MeetingScheduler
	Search    *knowledge.Searcher
	Gate      *gate.Gate
}

const defaultMeetingRecheck = 30 * time.Minute

// NewDefaultRegistry wires a handler for every action type.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(persistence.TaskSendEmail, sendEmailHandler(deps))
	r.Register(persistence.TaskCreateCalendarEvent, createCalendarEventHandler(deps))
	r.Register(persistence.TaskCreateContact, createContactHandler(deps))
	r.Register(persistence.TaskUpdateContact, updateContactHandler(deps))
	r.Register(persistence.TaskAddNote, addNoteHandler(deps))
	r.Register(persistence.TaskScheduleMeeting, scheduleMeetingHandler(deps))
	r.Register(persistence.TaskSearchKnowledge, searchKnowledgeHandler(deps))
	return r
}

func decodeParams(task *persistence.Task, into any) error {
	if err := json.Unmarshal([]byte(task.Parameters), into); err != nil {
		return &ValidationError{TaskType: task.Type, Message: fmt.Sprintf("decode parameters: %s", err)}
	}
	return nil
}

func decodeContext(task *persistence.Task) map[string]any {
	out := map[string]any{}
	if task.Context != "" {
		_ = json.Unmarshal([]byte(task.Context), &out)
	}
	return out
}

func sendEmailHandler(deps Deps) Handler {
	return HandlerFunc(func(ctx context.Context, task *persistence.Task) (*Outcome, error) {
		var p struct {
			To               string   `json:"to"`
			CC               []string `json:"cc"`
			Subject          string   `json:"subject"`
			Body             string   `json:"body"`
			ReplyToMessageID string   `json:"reply_to_message_id"`
		}
		if err := decodeParams(task, &p); err != nil {
			return nil, err
		}
		if _, err := deps.Gate.Wait(ctx, gate.DepMail); err != nil {
			return nil, err
		}
		messageID, err := deps.Mail.Send(ctx, task.OwnerID, OutboundEmail{
			To: p.To, CC: p.CC, Subject: p.Subject, Body: p.Body,
			ReplyToMessageID: p.ReplyToMessageID,
		})
		if err != nil {
			return nil, fmt.Errorf("send email: %w", err)
		}
		return CompletedWithFact(
			map[string]any{"message_id": messageID},
			persistence.UpsertDocumentParams{
				OwnerID:    task.OwnerID,
				SourceType: "email",
				SourceID:   "sent:" + messageID,
				Content:    p.Subject + "\n\n" + p.Body,
				Metadata: map[string]any{
					"direction": "sent",
					"to":        p.To,
					"subject":   p.Subject,
				},
			},
		), nil
	})
}

func createCalendarEventHandler(deps Deps) Handler {
	return HandlerFunc(func(ctx context.Context, task *persistence.Task) (*Outcome, error) {
		var p struct {
			Title       string   `json:"title"`
			StartTime   string   `json:"start_time"`
			EndTime     string   `json:"end_time"`
			Attendees   []string `json:"attendees"`
			Location    string   `json:"location"`
			Description string   `json:"description"`
		}
		if err := decodeParams(task, &p); err != nil {
			return nil, err
		}
		if _, err := deps.Gate.Wait(ctx, gate.DepCalendar); err != nil {
			return nil, err
		}
		eventID, err := deps.Calendar.CreateEvent(ctx, task.OwnerID, CalendarEvent{
			Title: p.Title, StartTime: p.StartTime, EndTime: p.EndTime,
			Attendees: p.Attendees, Location: p.Location, Description: p.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("create calendar event: %w", err)
		}
		return CompletedWithFact(
			map[string]any{"event_id": eventID},
			persistence.UpsertDocumentParams{
				OwnerID:    task.OwnerID,
				SourceType: "calendar_event",
				SourceID:   eventID,
				Content:    p.Title + "\n" + p.Description,
				Metadata: map[string]any{
					"start_time": p.StartTime,
					"attendees":  p.Attendees,
					"location":   p.Location,
				},
			},
		), nil
	})
}

func createContactHandler(deps Deps) Handler {
	return HandlerFunc(func(ctx context.Context, task *persistence.Task) (*Outcome, error) {
		var p struct {
			Email   string `json:"email"`
			Name    string `json:"name"`
			Company string `json:"company"`
			Phone   string `json:"phone"`
		}
		if err := decodeParams(task, &p); err != nil {
			return nil, err
		}
		if _, err := deps.Gate.Wait(ctx, gate.DepCRM); err != nil {
			return nil, err
		}
		contactID, err := deps.CRM.CreateContact(ctx, task.OwnerID, Contact{
			Email: p.Email, Name: p.Name, Company: p.Company, Phone: p.Phone,
		})
		if err != nil {
			return nil, fmt.Errorf("create contact: %w", err)
		}
		return CompletedWithFact(
			map[string]any{"contact_id": contactID},
			persistence.UpsertDocumentParams{
				OwnerID:    task.OwnerID,
				SourceType: "contact",
				SourceID:   contactID,
				Content:    strings.TrimSpace(p.Name + " " + p.Email + " " + p.Company),
				Metadata: map[string]any{
					"email":   p.Email,
					"name":    p.Name,
					"company": p.Company,
				},
			},
		), nil
	})
}

func updateContactHandler(deps Deps) Handler {
	return HandlerFunc(func(ctx context.Context, task *persistence.Task) (*Outcome, error) {
		var p struct {
			ContactID string `json:"contact_id"`
			Email     string `json:"email"`
			Name      string `json:"name"`
			Company   string `json:"company"`
			Phone     string `json:"phone"`
		}
		if err := decodeParams(task, &p); err != nil {
			return nil, err
		}
		fields := map[string]string{}
		for k, v := range map[string]string{
			"email": p.Email, "name": p.Name, "company": p.Company, "phone": p.Phone,
		} {
			if v != "" {
				fields[k] = v
			}
		}
		if _, err := deps.Gate.Wait(ctx, gate.DepCRM); err != nil {
			return nil, err
		}
		if err := deps.CRM.UpdateContact(ctx, task.OwnerID, p.ContactID, fields); err != nil {
			return nil, fmt.Errorf("update contact: %w", err)
		}
		return CompletedWithFact(
			map[string]any{"contact_id": p.ContactID, "updated_fields": len(fields)},
			persistence.UpsertDocumentParams{
				OwnerID:    task.OwnerID,
				SourceType: "contact",
				SourceID:   p.ContactID,
				Content:    strings.TrimSpace(p.Name + " " + p.Email + " " + p.Company),
				Metadata: map[string]any{
					"email": p.Email,
					"name":  p.Name,
				},
			},
		), nil
	})
}

func addNoteHandler(deps Deps) Handler {
	return HandlerFunc(func(ctx context.Context, task *persistence.Task) (*Outcome, error) {
		var p struct {
			Content   string `json:"content"`
			ContactID string `json:"contact_id"`
			Title     string `json:"title"`
		}
		if err := decodeParams(task, &p); err != nil {
			return nil, err
		}
		if _, err := deps.Gate.Wait(ctx, gate.DepCRM); err != nil {
			return nil, err
		}
		noteID, err := deps.CRM.AddNote(ctx, task.OwnerID, Note{
			ContactID: p.ContactID, Title: p.Title, Content: p.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("add note: %w", err)
		}
		return CompletedWithFact(
			map[string]any{"note_id": noteID},
			persistence.UpsertDocumentParams{
				OwnerID:    task.OwnerID,
				SourceType: "note",
				SourceID:   noteID,
				Content:    p.Title + "\n" + p.Content,
				Metadata:   map[string]any{"contact_id": p.ContactID},
			},
		), nil
	})
}

// scheduleMeetingHandler drives the waiting cycle: the first attempt sends
// an availability request and parks the task; each re-check either books
// the confirmed slot or parks again.
func scheduleMeetingHandler(deps Deps) Handler {
	return HandlerFunc(func(ctx context.Context, task *persistence.Task) (*Outcome, error) {
		var p struct {
			Title           string   `json:"title"`
			Attendees       []string `json:"attendees"`
			DurationMinutes int      `json:"duration_minutes"`
			EarliestStart   string   `json:"earliest_start"`
			Notes           string   `json:"notes"`
		}
		if err := decodeParams(task, &p); err != nil {
			return nil, err
		}

		taskContext := decodeContext(task)
		requestID, _ := taskContext["availability_request_id"].(string)

		if requestID == "" {
			if _, err := deps.Gate.Wait(ctx, gate.DepMail); err != nil {
				return nil, err
			}
			requestID, err := deps.Scheduler.RequestAvailability(ctx, task.OwnerID, MeetingRequest{
				Title: p.Title, Attendees: p.Attendees,
				DurationMinutes: p.DurationMinutes, EarliestStart: p.EarliestStart,
				Notes: p.Notes,
			})
			if err != nil {
				return nil, fmt.Errorf("request availability: %w", err)
			}
			return Waiting(map[string]any{
				"availability_request_id": requestID,
				"awaiting":                "attendee_responses",
			}, defaultMeetingRecheck), nil
		}

		if _, err := deps.Gate.Wait(ctx, gate.DepMail); err != nil {
			return nil, err
		}
		slot, confirmed, err := deps.Scheduler.CheckResponses(ctx, task.OwnerID, requestID)
		if err != nil {
			return nil, fmt.Errorf("check availability responses: %w", err)
		}
		if !confirmed {
			return Waiting(map[string]any{
				"awaiting": "attendee_responses",
			}, defaultMeetingRecheck), nil
		}

		if _, err := deps.Gate.Wait(ctx, gate.DepCalendar); err != nil {
			return nil, err
		}
		eventID, err := deps.Calendar.CreateEvent(ctx, task.OwnerID, CalendarEvent{
			Title: p.Title, StartTime: slot.StartTime, EndTime: slot.EndTime,
			Attendees: p.Attendees, Description: p.Notes,
		})
		if err != nil {
			return nil, fmt.Errorf("book confirmed slot: %w", err)
		}
		return CompletedWithFact(
			map[string]any{"event_id": eventID, "start_time": slot.StartTime},
			persistence.UpsertDocumentParams{
				OwnerID:    task.OwnerID,
				SourceType: "calendar_event",
				SourceID:   eventID,
				Content:    p.Title + "\n" + p.Notes,
				Metadata: map[string]any{
					"start_time": slot.StartTime,
					"attendees":  p.Attendees,
				},
			},
		), nil
	})
}

func searchKnowledgeHandler(deps Deps) Handler {
	return HandlerFunc(func(ctx context.Context, task *persistence.Task) (*Outcome, error) {
		var p struct {
			Query       string   `json:"query"`
			Limit       int      `json:"limit"`
			SourceTypes []string `json:"source_types"`
		}
		if err := decodeParams(task, &p); err != nil {
			return nil, err
		}
		hits, err := deps.Search.Search(ctx, task.OwnerID, p.Query, knowledge.SearchOptions{
			Limit: p.Limit, SourceTypes: p.SourceTypes,
		})
		if err != nil {
			return nil, fmt.Errorf("search knowledge: %w", err)
		}
		results := make([]map[string]any, 0, len(hits))
		for _, hit := range hits {
			results = append(results, map[string]any{
				"source_type": hit.Document.SourceType,
				"source_id":   hit.Document.SourceID,
				"content":     hit.Document.Content,
				"score":       hit.Score,
			})
		}
		return Completed(map[string]any{"results": results, "count": len(results)}), nil
	})
}
