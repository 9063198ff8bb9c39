package domain

import "time"

type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Receipt acknowledges that a user received or read a message.
type Receipt struct {
	MessageID string
	UserID    UserID
	Kind      ReceiptKind
	At        time.Time
}

// MessageReadStatus aggregates receipts against the recipient set.
type MessageReadStatus struct {
	MessageID        string
	TotalRecipients  int
	DeliveredTo      int
	ReadBy           int
	IsFullyDelivered bool
	IsFullyRead      bool
}
