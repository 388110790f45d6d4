package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"field-service-dispatch-system/api/internal/geo"
)

type Action string

const (
	ActionCheckedIn              Action = "CHECKED_IN"
	ActionCheckedOut             Action = "CHECKED_OUT"
	ActionCommented              Action = "COMMENTED"
	ActionPaymentCollected       Action = "PAYMENT_COLLECTED"
	ActionPaymentUpdated         Action = "PAYMENT_UPDATED"
	ActionExpectedRevenueUpdated Action = "EXPECTED_REVENUE_UPDATED"
	ActionAttachmentDeleted      Action = "ATTACHMENT_DELETED"
	ActionStatusChanged          Action = "STATUS_CHANGED"
)

func (a Action) Known() bool {
	switch a {
	case ActionCheckedIn, ActionCheckedOut, ActionCommented, ActionPaymentCollected,
		ActionPaymentUpdated, ActionExpectedRevenueUpdated, ActionAttachmentDeleted, ActionStatusChanged:
		return true
	}
	return false
}

// Payload is the action-specific body of an event. Each action has exactly
// one payload type.
type Payload interface {
	Action() Action
}

// Visit is the payload shared by check-in and check-out.
type Visit struct {
	Location       geo.Captured `json:"location"`
	DistanceMeters *float64     `json:"distanceMeters"`
	Warnings       []string     `json:"warnings"`
	AttachmentRefs []string     `json:"attachmentRefs"`
	Notes          string       `json:"notes,omitempty"`
}

type CheckedIn struct{ Visit }

type CheckedOut struct{ Visit }

type Commented struct {
	Text string `json:"text"`
}

type PaymentCollected struct {
	PaymentID            string          `json:"paymentId"`
	Amount               decimal.Decimal `json:"amount"`
	InvoiceAttachmentRef string          `json:"invoiceAttachmentRef,omitempty"`
}

// FieldChange records one edited field. Values are rendered as strings so
// money keeps its exact decimal form.
type FieldChange struct {
	Old *string `json:"old"`
	New *string `json:"new"`
}

type PaymentUpdated struct {
	Changes map[string]FieldChange `json:"changes"`
	Reason  string                 `json:"reason"`
}

type ExpectedRevenueUpdated struct {
	Old    decimal.NullDecimal `json:"old"`
	New    decimal.NullDecimal `json:"new"`
	Reason string              `json:"reason"`
}

type AttachmentDeleted struct {
	AttachmentID string `json:"attachmentId"`
	Reason       string `json:"reason,omitempty"`
}

type StatusChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Unknown holds an event whose action this build does not recognize.
// Consumers skip it.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (CheckedIn) Action() Action              { return ActionCheckedIn }
func (CheckedOut) Action() Action             { return ActionCheckedOut }
func (Commented) Action() Action              { return ActionCommented }
func (PaymentCollected) Action() Action       { return ActionPaymentCollected }
func (PaymentUpdated) Action() Action         { return ActionPaymentUpdated }
func (ExpectedRevenueUpdated) Action() Action { return ActionExpectedRevenueUpdated }
func (AttachmentDeleted) Action() Action      { return ActionAttachmentDeleted }
func (StatusChanged) Action() Action          { return ActionStatusChanged }
func (u Unknown) Action() Action              { return Action(u.Name) }

func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

// Encode serializes a known payload. Unknown payloads cannot be written.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	if _, ok := p.(Unknown); ok || !p.Action().Known() {
		return nil, fmt.Errorf("cannot encode payload for action %q", p.Action())
	}
	if v, ok := p.(interface{ normalize() Payload }); ok {
		p = v.normalize()
	}
	return json.Marshal(p)
}

// Decode switches on action. Unrecognized actions decode to Unknown rather
// than failing.
func Decode(action string, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch Action(action) {
	case ActionCheckedIn:
		var v CheckedIn
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionCheckedOut:
		var v CheckedOut
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionCommented:
		var v Commented
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionPaymentCollected:
		var v PaymentCollected
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionPaymentUpdated:
		var v PaymentUpdated
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionExpectedRevenueUpdated:
		var v ExpectedRevenueUpdated
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionAttachmentDeleted:
		var v AttachmentDeleted
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionStatusChanged:
		var v StatusChanged
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return Unknown{Name: action, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", action, err)
	}
	return p, nil
}

func (v CheckedIn) normalize() Payload  { v.Visit = v.Visit.normalize(); return v }
func (v CheckedOut) normalize() Payload { v.Visit = v.Visit.normalize(); return v }

func (v Visit) normalize() Visit {
	if v.Warnings == nil {
		v.Warnings = []string{}
	}
	if v.AttachmentRefs == nil {
		v.AttachmentRefs = []string{}
	}
	return v
}
