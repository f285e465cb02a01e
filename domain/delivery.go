package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryAbandoned DeliveryState = "abandoned"
	DeliveryCancelled DeliveryState = "cancelled"
)

// DeliveryTask is one obligation to deliver one activity to one inbox.
type DeliveryTask struct {
	Id            uuid.UUID
	BatchId       string
	ActivityURI   string
	InboxURI      string
	Attempts      int
	NextAttemptAt time.Time
	State         DeliveryState
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (t *DeliveryTask) Terminal() bool {
	return t.State != DeliveryPending
}

// OutboundActivity is a locally produced activity kept for delivery tasks to
// reference by id.
type OutboundActivity struct {
	ActivityURI string
	ActorURI    string
	RawJSON     string
	CreatedAt   time.Time
}

// LedgerEntry records the first acceptance of an inbound activity.
type LedgerEntry struct {
	ActivityURI string
	PayloadHash string
	SeenAt      time.Time
}
