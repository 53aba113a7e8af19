package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/storage/pgshipping"
)

type fakeProducer struct {
	topic string
	msgs  []messages.ShipmentUpdated
	err   error
}

func (p *fakeProducer) PublishShipmentUpdated(ctx context.Context, topic string, msg messages.ShipmentUpdated) error {
	p.topic = topic
	p.msgs = append(p.msgs, msg)
	return p.err
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
	keys    []string
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.keys = append(r.keys, key)
	return r.allowed, r.count, r.err
}

type fakeRepo struct {
	notes  map[uuid.UUID]*models.Note
	due    []*models.Shipment
	claims int
}

func (f *fakeRepo) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	f.claims++
	return f.due, nil
}

func (f *fakeRepo) GetNote(ctx context.Context, noteID uuid.UUID) (*models.Note, error) {
	n, ok := f.notes[noteID]
	if !ok {
		return nil, pgshipping.ErrNotFound
	}
	return n, nil
}

type stubCarrier struct {
	name string

	createCalls int
	createIn    carrier.CreateShipmentInput
	createRes   carrier.CreateShipmentResult
	createErr   error

	trackCalls int
	trackRes   carrier.TrackingStatus
	trackErr   error
}

func (c *stubCarrier) Name() string { return c.name }
func (c *stubCarrier) CreateShipment(ctx context.Context, in carrier.CreateShipmentInput) (carrier.CreateShipmentResult, error) {
	c.createCalls++
	c.createIn = in
	return c.createRes, c.createErr
}
func (c *stubCarrier) GetTrackingStatus(ctx context.Context, trackingNumber string) (carrier.TrackingStatus, error) {
	c.trackCalls++
	return c.trackRes, c.trackErr
}

func newReconciler(repo *fakeRepo, stub *stubCarrier, fp *fakeProducer, rl RateLimiter) *Reconciler {
	reg := carrier.NewRegistry()
	reg.Register(stub)
	return New(repo, reg, fp, rl, "shipment.updated")
}

func shippableNote(userID uuid.UUID) *models.Note {
	name := "Ada Lovelace"
	line1 := "12 Analytical Way"
	city := "London"
	postal := "NW1 4RY"
	country := "GB"
	return &models.Note{
		ID: uuid.New(), UserID: userID, IsShippable: true,
		RecipientName: &name, RecipientAddressLine1: &line1,
		RecipientCity: &city, RecipientPostalCode: &postal, RecipientCountry: &country,
	}
}

func TestProcessOne_PollPublishes(t *testing.T) {
	stub := &stubCarrier{
		name:     models.CarrierUPS,
		trackRes: carrier.TrackingStatus{Status: carrier.TrackingInTransit, LastKnownEvent: "Departed - Leeds, GB"},
	}
	fp := &fakeProducer{}
	r := newReconciler(&fakeRepo{}, stub, fp, &fakeRL{allowed: true})

	num := "1ZTRACK"
	sh := &models.Shipment{
		ID: uuid.New(), Carrier: models.CarrierUPS,
		Status: models.ShipmentStatusCreated, TrackingNumber: &num,
	}
	require.NoError(t, r.processOne(context.Background(), sh))

	require.Equal(t, "shipment.updated", fp.topic)
	require.Len(t, fp.msgs, 1)
	msg := fp.msgs[0]
	require.Equal(t, sh.ID, msg.ShipmentID)
	require.Equal(t, carrier.TrackingInTransit, msg.Status)
	require.Equal(t, "Departed - Leeds, GB", msg.LastKnownEvent)
	require.Nil(t, msg.Error)
	require.False(t, msg.NextCheckAt.IsZero())
}

func TestProcessOne_PollErrorBackoff(t *testing.T) {
	stub := &stubCarrier{
		name:     models.CarrierUPS,
		trackErr: carrier.NewHTTPError(models.CarrierUPS, "get tracking", 503, "down"),
	}
	fp := &fakeProducer{}
	r := newReconciler(&fakeRepo{}, stub, fp, nil)

	num := "1ZTRACK"
	sh := &models.Shipment{
		ID: uuid.New(), Carrier: models.CarrierUPS,
		Status: models.ShipmentStatusInTransit, TrackingNumber: &num,
		CheckFailCount: 1,
	}
	before := time.Now().UTC()
	require.NoError(t, r.processOne(context.Background(), sh))

	require.Len(t, fp.msgs, 1)
	msg := fp.msgs[0]
	require.NotNil(t, msg.Error)
	require.Equal(t, int32(2), *msg.CheckFailCount)
	require.False(t, msg.CreationExhausted)
	// second failure lands on the 15m rung
	require.WithinDuration(t, before.Add(15*time.Minute), msg.NextCheckAt, 5*time.Second)
}

func TestProcessOne_PendingRecovery(t *testing.T) {
	userID := uuid.New()
	note := shippableNote(userID)
	repo := &fakeRepo{notes: map[uuid.UUID]*models.Note{note.ID: note}}

	stub := &stubCarrier{
		name: models.CarrierUPS,
		createRes: carrier.CreateShipmentResult{
			CarrierShipmentID: "1ZSHIP",
			TrackingNumber:    "1ZTRACK",
			LabelData:         "R0lGODlh",
		},
	}
	fp := &fakeProducer{}
	r := newReconciler(repo, stub, fp, nil)

	sh := &models.Shipment{
		ID: uuid.New(), NoteID: note.ID, UserID: userID,
		Carrier: models.CarrierUPS, Status: models.ShipmentStatusPendingCreation,
	}
	require.NoError(t, r.processOne(context.Background(), sh))

	// same idempotency key as the original orchestration attempt
	require.Equal(t, sh.ID.String(), stub.createIn.IdempotencyKey)

	require.Len(t, fp.msgs, 1)
	msg := fp.msgs[0]
	require.Equal(t, "1ZSHIP", *msg.CarrierShipmentID)
	require.Equal(t, "1ZTRACK", *msg.TrackingNumber)
	require.Equal(t, "R0lGODlh", *msg.LabelData)
	require.Nil(t, msg.Error)
}

func TestProcessOne_PendingPermanentRejectionExhausts(t *testing.T) {
	userID := uuid.New()
	note := shippableNote(userID)
	repo := &fakeRepo{notes: map[uuid.UUID]*models.Note{note.ID: note}}

	stub := &stubCarrier{
		name:      models.CarrierUPS,
		createErr: carrier.NewHTTPError(models.CarrierUPS, "create shipment", 400, "bad address"),
	}
	fp := &fakeProducer{}
	r := newReconciler(repo, stub, fp, nil)

	sh := &models.Shipment{
		ID: uuid.New(), NoteID: note.ID, UserID: userID,
		Carrier: models.CarrierUPS, Status: models.ShipmentStatusPendingCreation,
	}
	require.NoError(t, r.processOne(context.Background(), sh))

	require.Len(t, fp.msgs, 1)
	require.True(t, fp.msgs[0].CreationExhausted)
	require.NotNil(t, fp.msgs[0].Error)
}

func TestProcessOne_PendingTransientExhaustsAfterMaxAttempts(t *testing.T) {
	userID := uuid.New()
	note := shippableNote(userID)
	repo := &fakeRepo{notes: map[uuid.UUID]*models.Note{note.ID: note}}

	stub := &stubCarrier{
		name:      models.CarrierUPS,
		createErr: carrier.NewHTTPError(models.CarrierUPS, "create shipment", 503, "down"),
	}
	fp := &fakeProducer{}
	r := newReconciler(repo, stub, fp, nil).WithPendingMaxAttempts(5)

	sh := &models.Shipment{
		ID: uuid.New(), NoteID: note.ID, UserID: userID,
		Carrier: models.CarrierUPS, Status: models.ShipmentStatusPendingCreation,
		CheckFailCount: 3,
	}
	require.NoError(t, r.processOne(context.Background(), sh))
	require.False(t, fp.msgs[0].CreationExhausted) // attempt 4 of 5

	sh.CheckFailCount = 4
	require.NoError(t, r.processOne(context.Background(), sh))
	require.True(t, fp.msgs[1].CreationExhausted)
}

func TestProcessOne_RateLimitKeyPerCarrier(t *testing.T) {
	stub := &stubCarrier{name: models.CarrierRoyalMail, trackRes: carrier.TrackingStatus{Status: carrier.TrackingCreated}}
	fp := &fakeProducer{}
	rl := &fakeRL{allowed: true}
	r := newReconciler(&fakeRepo{}, stub, fp, rl)

	num := "RM123"
	sh := &models.Shipment{
		ID: uuid.New(), Carrier: models.CarrierRoyalMail,
		Status: models.ShipmentStatusCreated, TrackingNumber: &num,
	}
	require.NoError(t, r.processOne(context.Background(), sh))
	require.Len(t, rl.keys, 1)
	require.Contains(t, rl.keys[0], "rl:carrier:royal_mail:")
}

func TestProcessOne_UnknownCarrierErrors(t *testing.T) {
	fp := &fakeProducer{}
	r := New(&fakeRepo{}, carrier.NewRegistry(), fp, nil, "t")

	sh := &models.Shipment{ID: uuid.New(), Carrier: "dhl", Status: models.ShipmentStatusCreated}
	err := r.processOne(context.Background(), sh)
	require.ErrorIs(t, err, carrier.ErrUnknownCarrier)
	require.Empty(t, fp.msgs)
}

func TestProcessOne_PublishRetriesThenFails(t *testing.T) {
	stub := &stubCarrier{name: models.CarrierUPS, trackRes: carrier.TrackingStatus{Status: carrier.TrackingCreated}}
	fp := &fakeProducer{err: errors.New("broker down")}
	r := newReconciler(&fakeRepo{}, stub, fp, nil)
	r.publishAttempts = 2

	num := "1ZTRACK"
	sh := &models.Shipment{
		ID: uuid.New(), Carrier: models.CarrierUPS,
		Status: models.ShipmentStatusCreated, TrackingNumber: &num,
	}
	err := r.processOne(context.Background(), sh)
	require.Error(t, err)
	require.Equal(t, 2, len(fp.msgs))
}

func TestWithSettings(t *testing.T) {
	r := New(&fakeRepo{}, carrier.NewRegistry(), &fakeProducer{}, nil, "t").
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, 5*time.Second, r.pollInterval)
	require.Equal(t, 7, r.batchSize)
	require.Equal(t, 9, r.concurrency)
	require.Equal(t, 11*time.Second, r.lease)
	require.Equal(t, int64(13), r.rateLimitPerMinute)
}
