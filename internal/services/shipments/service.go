package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/cache"
	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/retry"
	"github.com/BearBump/ShipBox/internal/storage/pgshipping"
)

var (
	ErrNoteNotFound     = errors.New("note not found")
	ErrShipmentNotFound = errors.New("shipment not found")
	ErrForbidden        = errors.New("resource belongs to another user")
	ErrNotShippable     = errors.New("note is not shippable")

	// ErrCarrierRejected: the carrier refused the shipment outright, no
	// point retrying with the same data. ErrCarrierUnavailable: all retry
	// attempts hit transient failures.
	ErrCarrierRejected    = errors.New("carrier rejected shipment")
	ErrCarrierUnavailable = errors.New("carrier unavailable")

	ErrLabelNotReady = errors.New("label not ready")
)

type Repository interface {
	InsertPending(ctx context.Context, noteID, userID uuid.UUID, carrierCode string) (*models.Shipment, error)
	Get(ctx context.Context, shipmentID uuid.UUID) (*models.Shipment, error)
	UpdateShipment(ctx context.Context, upd pgshipping.ShipmentUpdate) (*models.Shipment, error)
}

type NoteStore interface {
	GetNote(ctx context.Context, noteID uuid.UUID) (*models.Note, error)
}

type Config struct {
	// CurrentTTL bounds the cached "current projection"; zero disables the
	// cache entirely.
	CurrentTTL time.Duration
	// RecheckInterval is how soon the reconciler revisits a shipment after a
	// successful carrier call.
	RecheckInterval time.Duration
	Retry           retry.Policy
}

type Service struct {
	repo     Repository
	notes    NoteStore
	carriers *carrier.Registry
	cache    cache.BytesCache

	currentTTL      time.Duration
	recheckInterval time.Duration
	retry           retry.Policy
}

func New(repo Repository, notes NoteStore, carriers *carrier.Registry, c cache.BytesCache, cfg Config) *Service {
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	cfg.Retry.Retryable = carrier.IsTransient
	return &Service{
		repo:            repo,
		notes:           notes,
		carriers:        carriers,
		cache:           c,
		currentTTL:      cfg.CurrentTTL,
		recheckInterval: cfg.RecheckInterval,
		retry:           cfg.Retry,
	}
}

// CreateShipment validates the note, persists a pending_creation record and
// submits it to the carrier. The record is written before the first outbound
// call so a crash mid-flight leaves a pending row for the reconciler to
// recover instead of a lost shipment.
func (s *Service) CreateShipment(ctx context.Context, userID, noteID uuid.UUID, carrierCode string, pkg carrier.Package) (*models.Shipment, error) {
	client, err := s.carriers.Get(carrierCode)
	if err != nil {
		return nil, err
	}

	note, err := s.notes.GetNote(ctx, noteID)
	if err == pgshipping.ErrNotFound {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load note")
	}
	if note.UserID != userID {
		return nil, ErrForbidden
	}
	if !note.IsShippable || !note.HasRecipientAddress() {
		return nil, ErrNotShippable
	}

	rec, err := s.repo.InsertPending(ctx, noteID, userID, carrierCode)
	if err != nil {
		return nil, err
	}

	// Идемпотентность: ключом служит id записи, а не id заметки, чтобы
	// повторная отправка той же заметки создавала новое отправление.
	result, callErr := s.submitToCarrier(ctx, client, rec.ID, note, pkg)
	if callErr != nil {
		reason := callErr.Error()
		failed, updErr := s.repo.UpdateShipment(ctx, pgshipping.ShipmentUpdate{
			ID:             rec.ID,
			ExpectedStatus: models.ShipmentStatusPendingCreation,
			Status:         models.ShipmentStatusFailed,
			LastError:      &reason,
		})
		if updErr == nil {
			rec = failed
		}

		var exhausted *retry.ExhaustedError
		if errors.As(callErr, &exhausted) {
			return rec, fmt.Errorf("%w: %v", ErrCarrierUnavailable, exhausted.Last)
		}
		return rec, fmt.Errorf("%w: %v", ErrCarrierRejected, callErr)
	}

	next := time.Now().UTC().Add(s.recheckInterval)
	upd := pgshipping.ShipmentUpdate{
		ID:             rec.ID,
		ExpectedStatus: models.ShipmentStatusPendingCreation,
		Status:         models.ShipmentStatusCreated,
		NextCheckAt:    &next,
	}
	if result.CarrierShipmentID != "" {
		upd.CarrierShipmentID = &result.CarrierShipmentID
	}
	if result.TrackingNumber != "" {
		upd.TrackingNumber = &result.TrackingNumber
	}
	if result.LabelData != "" {
		upd.LabelData = &result.LabelData
	}
	if result.LabelImageURL != "" {
		upd.LabelImageURL = &result.LabelImageURL
	}

	sh, err := s.repo.UpdateShipment(ctx, upd)
	if err == pgshipping.ErrConflict {
		// Реконсайлер успел восстановить запись раньше нас; identifiers уже
		// на месте благодаря COALESCE, просто перечитываем.
		sh, err = s.repo.Get(ctx, rec.ID)
	}
	if err != nil {
		return nil, err
	}

	s.refreshProjection(ctx, sh)
	return sh, nil
}

func (s *Service) submitToCarrier(ctx context.Context, client carrier.Client, shipmentID uuid.UUID, note *models.Note, pkg carrier.Package) (carrier.CreateShipmentResult, error) {
	in := carrier.CreateShipmentInput{
		IdempotencyKey: shipmentID.String(),
		Recipient:      recipientFromNote(note),
		Package:        pkg.WithDefaults(),
	}
	var result carrier.CreateShipmentResult
	err := s.retry.Execute(ctx, func(ctx context.Context) error {
		r, err := client.CreateShipment(ctx, in)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// RefreshTracking polls the carrier for one shipment on user demand.
// Terminal shipments and shipments without a tracking number return the
// stored state without any outbound call.
func (s *Service) RefreshTracking(ctx context.Context, userID, shipmentID uuid.UUID) (*models.Shipment, error) {
	sh, err := s.getOwned(ctx, userID, shipmentID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalStatus(sh.Status) || sh.TrackingNumber == nil {
		return sh, nil
	}

	client, err := s.carriers.Get(sh.Carrier)
	if err != nil {
		return nil, err
	}

	var ts carrier.TrackingStatus
	pollErr := s.retry.Execute(ctx, func(ctx context.Context) error {
		t, err := client.GetTrackingStatus(ctx, *sh.TrackingNumber)
		if err != nil {
			return err
		}
		ts = t
		return nil
	})
	if pollErr != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(pollErr, &exhausted) {
			return sh, fmt.Errorf("%w: %v", ErrCarrierUnavailable, exhausted.Last)
		}
		return sh, errors.Wrap(pollErr, "poll carrier")
	}

	updated, err := s.applyTrackingStatus(ctx, sh, ts, time.Now().UTC().Add(s.recheckInterval))
	if err != nil {
		return nil, err
	}
	s.refreshProjection(ctx, updated)
	return updated, nil
}

// applyTrackingStatus CASes the polled status onto the record. On conflict
// the record is reloaded and the transition re-evaluated once against the
// fresh status; a second conflict returns the fresh row as-is.
func (s *Service) applyTrackingStatus(ctx context.Context, sh *models.Shipment, ts carrier.TrackingStatus, next time.Time) (*models.Shipment, error) {
	for attempt := 0; attempt < 2; attempt++ {
		target := resolveTarget(sh.Status, ts.Status)

		upd := pgshipping.ShipmentUpdate{
			ID:             sh.ID,
			ExpectedStatus: sh.Status,
			Status:         target,
			CheckFailCount: ptrInt32(0),
		}
		if ts.LastKnownEvent != "" {
			upd.LastKnownEvent = &ts.LastKnownEvent
		}
		if !models.IsTerminalStatus(target) {
			upd.NextCheckAt = &next
		}

		updated, err := s.repo.UpdateShipment(ctx, upd)
		if err == nil {
			return updated, nil
		}
		if err != pgshipping.ErrConflict {
			return nil, err
		}

		fresh, err := s.repo.Get(ctx, sh.ID)
		if err != nil {
			return nil, err
		}
		if models.IsTerminalStatus(fresh.Status) || !models.CanTransition(fresh.Status, resolveTarget(fresh.Status, ts.Status)) {
			return fresh, nil
		}
		sh = fresh
	}
	return s.repo.Get(ctx, sh.ID)
}

// resolveTarget maps a normalized carrier status onto the lifecycle. A
// carrier status behind the stored one (or unknown) keeps the current state;
// the same-state update still refreshes last_known_event.
func resolveTarget(current, carrierStatus string) string {
	switch carrierStatus {
	case carrier.TrackingDelivered:
		if models.CanTransition(current, models.ShipmentStatusDelivered) {
			return models.ShipmentStatusDelivered
		}
	case carrier.TrackingInTransit:
		if models.CanTransition(current, models.ShipmentStatusInTransit) {
			return models.ShipmentStatusInTransit
		}
	}
	return current
}

// GetShipment serves the current projection, read-through from Redis.
func (s *Service) GetShipment(ctx context.Context, userID, shipmentID uuid.UUID) (*models.Shipment, error) {
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(shipmentID)); err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				if sh.UserID != userID {
					return nil, ErrForbidden
				}
				return &sh, nil
			}
		}
	}

	sh, err := s.getOwned(ctx, userID, shipmentID)
	if err != nil {
		return nil, err
	}
	s.refreshProjection(ctx, sh)
	return sh, nil
}

// Label describes where the shipping label lives: either inline base64 GIF
// bytes or a carrier-hosted URL.
type Label struct {
	Data     string
	ImageURL string
}

func (s *Service) GetLabel(ctx context.Context, userID, shipmentID uuid.UUID) (*Label, error) {
	sh, err := s.getOwned(ctx, userID, shipmentID)
	if err != nil {
		return nil, err
	}
	if sh.LabelData == nil && sh.LabelImageURL == nil {
		return nil, ErrLabelNotReady
	}
	l := &Label{}
	if sh.LabelData != nil {
		l.Data = *sh.LabelData
	}
	if sh.LabelImageURL != nil {
		l.ImageURL = *sh.LabelImageURL
	}
	return l, nil
}

// ApplyShipmentUpdated consumes one worker reconciliation result. Stale or
// out-of-order messages are dropped, never errored: returning an error would
// block the partition on an update that can never apply.
func (s *Service) ApplyShipmentUpdated(ctx context.Context, msg messages.ShipmentUpdated) error {
	sh, err := s.repo.Get(ctx, msg.ShipmentID)
	if err == pgshipping.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(sh.Status) {
		return nil
	}

	upd := pgshipping.ShipmentUpdate{
		ID:             sh.ID,
		ExpectedStatus: sh.Status,
		LastError:      msg.Error,
	}
	if !msg.NextCheckAt.IsZero() {
		t := msg.NextCheckAt
		upd.NextCheckAt = &t
	}

	switch {
	case msg.CreationExhausted:
		upd.Status = models.ShipmentStatusFailed
	case msg.Error != nil:
		upd.Status = sh.Status
		upd.CheckFailCount = msg.CheckFailCount
	default:
		target := sh.Status
		if msg.CarrierShipmentID != nil && sh.Status == models.ShipmentStatusPendingCreation {
			// Recovered pending record: the worker re-submitted it under the
			// original idempotency key and brings the identifiers with it.
			target = models.ShipmentStatusCreated
			upd.CarrierShipmentID = msg.CarrierShipmentID
			upd.TrackingNumber = msg.TrackingNumber
			upd.LabelData = msg.LabelData
			upd.LabelImageURL = msg.LabelImageURL
		} else {
			target = resolveTarget(sh.Status, msg.Status)
		}
		upd.Status = target
		upd.CheckFailCount = ptrInt32(0)
		if msg.LastKnownEvent != "" {
			upd.LastKnownEvent = &msg.LastKnownEvent
		}
	}

	if !models.CanTransition(sh.Status, upd.Status) {
		return nil
	}

	updated, err := s.repo.UpdateShipment(ctx, upd)
	if err == pgshipping.ErrConflict || err == pgshipping.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	s.refreshProjection(ctx, updated)
	return nil
}

func (s *Service) getOwned(ctx context.Context, userID, shipmentID uuid.UUID) (*models.Shipment, error) {
	sh, err := s.repo.Get(ctx, shipmentID)
	if err == pgshipping.ErrNotFound {
		return nil, ErrShipmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if sh.UserID != userID {
		return nil, ErrForbidden
	}
	return sh, nil
}

// refreshProjection обновляет кэш "лучшим усилием": ошибка кэша не должна
// ломать основную операцию.
func (s *Service) refreshProjection(ctx context.Context, sh *models.Shipment) {
	if s.cache == nil || s.currentTTL <= 0 || sh == nil {
		return
	}
	b, err := json.Marshal(sh)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(sh.ID), b, s.currentTTL)
}

func recipientFromNote(n *models.Note) carrier.Recipient {
	r := carrier.Recipient{}
	if n.RecipientName != nil {
		r.Name = *n.RecipientName
	}
	if n.RecipientAddressLine1 != nil {
		r.AddressLine1 = *n.RecipientAddressLine1
	}
	if n.RecipientAddressLine2 != nil {
		r.AddressLine2 = *n.RecipientAddressLine2
	}
	if n.RecipientCity != nil {
		r.City = *n.RecipientCity
	}
	if n.RecipientPostalCode != nil {
		r.PostalCode = *n.RecipientPostalCode
	}
	if n.RecipientCountry != nil {
		r.Country = *n.RecipientCountry
	}
	return r
}

func currentKey(id uuid.UUID) string {
	return fmt.Sprintf("shipment:%s:current", id)
}

func ptrInt32(v int32) *int32 { return &v }
