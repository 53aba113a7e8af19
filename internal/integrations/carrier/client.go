package carrier

import (
	"context"
)

// Нормализованные статусы трекинга, которые возвращают адаптеры перевозчиков.
const (
	TrackingUnknown   = "unknown"
	TrackingCreated   = "created"
	TrackingInTransit = "in_transit"
	TrackingDelivered = "delivered"
)

// Package size/weight defaults for a note-sized parcel.
const (
	DefaultWeightKG = 0.1
	DefaultLengthCM = 10
	DefaultWidthCM  = 5
	DefaultHeightCM = 1
)

type Recipient struct {
	Name         string
	AddressLine1 string
	AddressLine2 string
	City         string
	PostalCode   string
	Country      string // ISO 3166-1 alpha-2
}

type Package struct {
	WeightKG float64
	LengthCM float64
	WidthCM  float64
	HeightCM float64
}

// WithDefaults fills zero dimensions with note-sized defaults.
func (p Package) WithDefaults() Package {
	if p.WeightKG <= 0 {
		p.WeightKG = DefaultWeightKG
	}
	if p.LengthCM <= 0 {
		p.LengthCM = DefaultLengthCM
	}
	if p.WidthCM <= 0 {
		p.WidthCM = DefaultWidthCM
	}
	if p.HeightCM <= 0 {
		p.HeightCM = DefaultHeightCM
	}
	return p
}

type CreateShipmentInput struct {
	// IdempotencyKey is attached to the outbound request so a retried call
	// does not create a second physical shipment. Carriers without native
	// dedup still receive it as a transaction reference for correlation.
	IdempotencyKey string

	Recipient Recipient
	Package   Package
}

// CreateShipmentResult carries the carrier-assigned identifiers. Exactly one
// of LabelData (inline base64) and LabelImageURL (hosted) is populated,
// depending on the carrier.
type CreateShipmentResult struct {
	CarrierShipmentID string
	TrackingNumber    string
	LabelData         string
	LabelImageURL     string
}

// TrackingStatus is the normalized projection of a carrier tracking payload.
// Status is one of the Tracking* constants; states the adapter cannot map
// come back as TrackingUnknown, not as an error.
type TrackingStatus struct {
	Status         string
	LastKnownEvent string
}

type Client interface {
	// Name returns the carrier code (e.g. "ups", "royal_mail").
	Name() string

	CreateShipment(ctx context.Context, in CreateShipmentInput) (CreateShipmentResult, error)

	GetTrackingStatus(ctx context.Context, trackingNumber string) (TrackingStatus, error)
}
