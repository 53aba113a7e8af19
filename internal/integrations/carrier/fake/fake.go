package fake

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/models"
)

// FakeClient — детерминированная заглушка перевозчика для dev/compose.
// Create всегда успешен; статус трекинга выводится из хэша номера, поэтому
// повторные опросы стабильны и часть отправлений "доставляется".
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Name() string { return models.CarrierFake }

func (f *FakeClient) CreateShipment(ctx context.Context, in carrier.CreateShipmentInput) (carrier.CreateShipmentResult, error) {
	h := hash(in.IdempotencyKey)
	return carrier.CreateShipmentResult{
		CarrierShipmentID: fmt.Sprintf("fake-shipment-%08x", h),
		TrackingNumber:    fmt.Sprintf("FK%010d", h%10_000_000_000),
		LabelData:         "ZmFrZS1sYWJlbC1naWY=",
	}, nil
}

func (f *FakeClient) GetTrackingStatus(ctx context.Context, trackingNumber string) (carrier.TrackingStatus, error) {
	// 20% of tracking numbers are considered delivered.
	if hash(trackingNumber)%5 == 0 {
		return carrier.TrackingStatus{
			Status:         carrier.TrackingDelivered,
			LastKnownEvent: "Delivered - fake depot",
		}, nil
	}
	return carrier.TrackingStatus{
		Status:         carrier.TrackingInTransit,
		LastKnownEvent: "Departed from fake facility",
	}, nil
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
