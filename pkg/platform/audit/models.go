package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fiscalbridge/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This drives routing: compliance and security events are persisted
// synchronously, operations events may be buffered.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: what was
	// transmitted to the authority, what was withdrawn, and rule changes that
	// decide whether a record can be transmitted at all.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers credential and unit activation changes.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine pipeline progress.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID        string
	Category  EventCategory
	Timestamp time.Time
	// Subject is the id of the entity acted upon (remittance, record, rule, unit).
	Subject   string
	Action    string
	From      string
	To        string
	Reason    string
	RequestID string
	ActorID   string
	// ActorAgent is a condensed description of the operator's client.
	ActorAgent string
}

type AuditEvent string

const (
	// Unit events
	EventUnitCreated        AuditEvent = "unit_created"
	EventUnitDeactivated    AuditEvent = "unit_deactivated"
	EventUnitReactivated    AuditEvent = "unit_reactivated"
	EventUnitCredentialsSet AuditEvent = "unit_credentials_set"

	// Record events
	EventRecordIngested     AuditEvent = "record_ingested"
	EventRecordUpdated      AuditEvent = "record_updated"
	EventRecordValidated    AuditEvent = "record_validated"
	EventValidationsCleared AuditEvent = "validations_cleared"

	// Rule events
	EventRuleCreated     AuditEvent = "rule_created"
	EventRuleUpdated     AuditEvent = "rule_updated"
	EventRuleActivated   AuditEvent = "rule_activated"
	EventRuleDeactivated AuditEvent = "rule_deactivated"

	// Remittance events, one per lifecycle state
	EventRemittanceCreated      AuditEvent = "remittance_pending"
	EventRemittanceValidating   AuditEvent = "remittance_validating"
	EventRemittanceTransforming AuditEvent = "remittance_transforming"
	EventRemittanceReady        AuditEvent = "remittance_ready"
	EventRemittanceSending      AuditEvent = "remittance_sending"
	EventRemittanceSent         AuditEvent = "remittance_sent"
	EventRemittanceError        AuditEvent = "remittance_error"
	EventRemittanceCancelled    AuditEvent = "remittance_cancelled"

	// EventLateResultDiscarded records a gateway outcome that arrived after
	// the remittance left SENDING.
	EventLateResultDiscarded AuditEvent = "remittance_late_result_discarded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventRemittanceCreated:   CategoryCompliance,
	EventRemittanceSent:      CategoryCompliance,
	EventRemittanceCancelled: CategoryCompliance,
	EventLateResultDiscarded: CategoryCompliance,
	EventRuleCreated:         CategoryCompliance,
	EventRuleUpdated:         CategoryCompliance,
	EventRuleActivated:       CategoryCompliance,
	EventRuleDeactivated:     CategoryCompliance,

	EventUnitCredentialsSet: CategorySecurity,
	EventUnitDeactivated:    CategorySecurity,
	EventUnitReactivated:    CategorySecurity,

	EventUnitCreated:            CategoryOperations,
	EventRecordIngested:         CategoryOperations,
	EventRecordUpdated:          CategoryOperations,
	EventRecordValidated:        CategoryOperations,
	EventValidationsCleared:     CategoryOperations,
	EventRemittanceValidating:   CategoryOperations,
	EventRemittanceTransforming: CategoryOperations,
	EventRemittanceReady:        CategoryOperations,
	EventRemittanceSending:      CategoryOperations,
	EventRemittanceError:        CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// NewEvent builds an event attributed to actor.
func NewEvent(action AuditEvent, subject string, actor domain.Actor) Event {
	return Event{
		Category:   action.Category(),
		Subject:    subject,
		Action:     string(action),
		ActorID:    actor.ID,
		ActorAgent: actor.Agent,
	}
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Emitter is what domain services depend on.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// OutboxEntry is a persisted event awaiting relay to the audit topic.
type OutboxEntry struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}
