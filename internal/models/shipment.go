package models

import (
	"time"

	"github.com/google/uuid"
)

// Нормализованные статусы жизненного цикла отправления.
const (
	ShipmentStatusPendingCreation = "pending_creation"
	ShipmentStatusCreated         = "created"
	ShipmentStatusInTransit       = "in_transit"
	ShipmentStatusDelivered       = "delivered"
	ShipmentStatusFailed          = "failed"
)

// Supported carrier codes.
const (
	CarrierUPS       = "ups"
	CarrierRoyalMail = "royal_mail"
	CarrierFake      = "fake"
)

type Shipment struct {
	ID     uuid.UUID
	NoteID uuid.UUID
	UserID uuid.UUID

	Carrier string

	CarrierShipmentID *string
	TrackingNumber    *string
	LabelData         *string
	LabelImageURL     *string

	Status         string
	LastKnownEvent *string

	CheckFailCount int32
	LastError      *string
	NextCheckAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether no further transition is allowed from status.
func IsTerminalStatus(status string) bool {
	return status == ShipmentStatusDelivered || status == ShipmentStatusFailed
}

// CanTransition reports whether a shipment may move from one status to
// another. Staying in the same non-terminal status is allowed so that a
// tracking poll can refresh last_known_event without advancing the state.
func CanTransition(from, to string) bool {
	if IsTerminalStatus(from) {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case ShipmentStatusPendingCreation:
		return to == ShipmentStatusCreated || to == ShipmentStatusFailed
	case ShipmentStatusCreated:
		return to == ShipmentStatusInTransit || to == ShipmentStatusDelivered || to == ShipmentStatusFailed
	case ShipmentStatusInTransit:
		return to == ShipmentStatusDelivered || to == ShipmentStatusFailed
	default:
		return false
	}
}

// ValidStatus reports whether s is one of the lifecycle statuses.
func ValidStatus(s string) bool {
	switch s {
	case ShipmentStatusPendingCreation, ShipmentStatusCreated, ShipmentStatusInTransit,
		ShipmentStatusDelivered, ShipmentStatusFailed:
		return true
	}
	return false
}

// ValidCarrier reports whether code is a known carrier code.
func ValidCarrier(code string) bool {
	switch code {
	case CarrierUPS, CarrierRoyalMail, CarrierFake:
		return true
	}
	return false
}

type Note struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Title   string
	Content string

	IsShippable bool

	RecipientName         *string
	RecipientAddressLine1 *string
	RecipientAddressLine2 *string
	RecipientCity         *string
	RecipientPostalCode   *string
	RecipientCountry      *string

	CreatedAt time.Time
}

// HasRecipientAddress reports whether the note carries a complete enough
// address to build a carrier ShipTo block.
func (n *Note) HasRecipientAddress() bool {
	required := []*string{
		n.RecipientName,
		n.RecipientAddressLine1,
		n.RecipientCity,
		n.RecipientPostalCode,
		n.RecipientCountry,
	}
	for _, f := range required {
		if f == nil || *f == "" {
			return false
		}
	}
	return true
}
