package inventory

import "time"

// MovementCommittedEvent is the payload published after a movement commits.
type MovementCommittedEvent struct {
	MessageID  string    `json:"message_id"`
	EventID    int64     `json:"event_id"`
	TenantID   int64     `json:"tenant_id"`
	Type       string    `json:"type"`
	ItemID     int64     `json:"item_id"`
	Quantity   int64     `json:"qty"`
	Source     *Location `json:"source,omitempty"`
	Target     *Location `json:"target,omitempty"`
	SupplierID *int64    `json:"supplier_id,omitempty"`
	ReceiverID *int64    `json:"receiver_id,omitempty"`
	RequestID  string    `json:"request_id"`
	CreatedBy  int64     `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMovementCommittedEvent converts a committed record into its wire form.
func NewMovementCommittedEvent(messageID string, rec MovementRecord) MovementCommittedEvent {
	return MovementCommittedEvent{
		MessageID:  messageID,
		EventID:    rec.ID,
		TenantID:   rec.TenantID,
		Type:       string(rec.Type),
		ItemID:     rec.ItemID,
		Quantity:   rec.Quantity,
		Source:     rec.Source,
		Target:     rec.Target,
		SupplierID: rec.SupplierID,
		ReceiverID: rec.ReceiverID,
		RequestID:  rec.RequestID,
		CreatedBy:  rec.CreatedBy,
		CreatedAt:  rec.CreatedAt,
	}
}
