package messages

import (
	"time"

	"github.com/google/uuid"
)

// ShipmentUpdated is produced by ship-worker after each carrier
// reconciliation and applied to storage by ship-api. Status carries the
// normalized carrier status ("created", "in_transit", "delivered",
// "unknown"); it is empty when the poll failed and Error is set.
type ShipmentUpdated struct {
	ShipmentID uuid.UUID `json:"shipment_id"`
	CheckedAt  time.Time `json:"checked_at"`

	Status         string `json:"status,omitempty"`
	LastKnownEvent string `json:"last_known_event,omitempty"`

	// Set only when a stale pending_creation record was recovered by
	// re-submitting under its original idempotency key.
	CarrierShipmentID *string `json:"carrier_shipment_id,omitempty"`
	TrackingNumber    *string `json:"tracking_number,omitempty"`
	LabelData         *string `json:"label_data,omitempty"`
	LabelImageURL     *string `json:"label_image_url,omitempty"`

	NextCheckAt time.Time `json:"next_check_at"`

	Error          *string `json:"error,omitempty"`
	CheckFailCount *int32  `json:"check_fail_count,omitempty"`

	// CreationExhausted marks a pending record whose recovery attempts ran
	// out; the consumer transitions it to failed.
	CreationExhausted bool `json:"creation_exhausted,omitempty"`
}
