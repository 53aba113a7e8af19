package pgshipping

import (
	"context"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Fresh pending records become visible to the reconciler after this delay,
// so an orchestration crash between insert and carrier confirmation gets
// picked up instead of staying pending forever.
const pendingRecheckDelay = 5 * time.Minute

const shipmentColumns = `
  id, note_id, user_id, carrier,
  carrier_shipment_id, tracking_number,
  label_data, label_image_url,
  status, last_known_event,
  check_fail_count, last_error, next_check_at,
  created_at, updated_at`

// ShipmentUpdate mutates a shipment row only while its status still equals
// ExpectedStatus; a mismatch means a concurrent writer already applied a
// transition and the update is rejected with ErrConflict. Nil optional
// fields keep the stored value.
type ShipmentUpdate struct {
	ID             uuid.UUID
	ExpectedStatus string
	Status         string

	CarrierShipmentID *string
	TrackingNumber    *string
	LabelData         *string
	LabelImageURL     *string
	LastKnownEvent    *string
	LastError         *string
	CheckFailCount    *int32
	NextCheckAt       *time.Time
}

func (s *Storage) InsertPending(ctx context.Context, noteID, userID uuid.UUID, carrierCode string) (*models.Shipment, error) {
	now := time.Now().UTC()
	row := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  id, note_id, user_id, carrier, status, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
RETURNING`+shipmentColumns,
		uuid.New(), noteID, userID, carrierCode,
		models.ShipmentStatusPendingCreation, now.Add(pendingRecheckDelay), now)

	sh, err := scanShipment(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert pending shipment")
	}
	return sh, nil
}

func (s *Storage) Get(ctx context.Context, shipmentID uuid.UUID) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, shipmentID)
	sh, err := scanShipment(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// UpdateShipment is the compare-and-set write behind every state
// transition. Immutable carrier identifiers use COALESCE so they are only
// ever set once and never overwritten with NULL.
func (s *Storage) UpdateShipment(ctx context.Context, upd ShipmentUpdate) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `
UPDATE shipments SET
  status = $3,
  carrier_shipment_id = COALESCE(carrier_shipment_id, $4),
  tracking_number = COALESCE(tracking_number, $5),
  label_data = COALESCE(label_data, $6),
  label_image_url = COALESCE(label_image_url, $7),
  last_known_event = COALESCE($8, last_known_event),
  last_error = $9,
  check_fail_count = COALESCE($10, check_fail_count),
  next_check_at = COALESCE($11, next_check_at),
  updated_at = now()
WHERE id = $1 AND status = $2
RETURNING`+shipmentColumns,
		upd.ID, upd.ExpectedStatus, upd.Status,
		upd.CarrierShipmentID, upd.TrackingNumber,
		upd.LabelData, upd.LabelImageURL,
		upd.LastKnownEvent, upd.LastError,
		upd.CheckFailCount, upd.NextCheckAt)

	sh, err := scanShipment(row)
	if err == pgx.ErrNoRows {
		// Row either vanished or its status moved on; distinguish for the caller.
		if _, getErr := s.Get(ctx, upd.ID); getErr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, errors.Wrap(err, "update shipment")
	}
	return sh, nil
}

// ClaimDueShipments выбирает отправления, готовые к сверке с перевозчиком,
// и "бронирует" их через lease, чтобы конкурирующие воркеры не обрабатывали
// одну запись дважды. SELECT ... FOR UPDATE SKIP LOCKED, как в claim-очереди.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE next_check_at IS NOT NULL
  AND next_check_at <= $1
  AND status NOT IN ($2, $3)
ORDER BY next_check_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.ShipmentStatusDelivered, models.ShipmentStatusFailed, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	defer rows.Close()

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due shipment")
		}
		picked = append(picked, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		_, err := tx.Exec(ctx, `UPDATE shipments SET next_check_at = $2, updated_at = now() WHERE id = $1`, sh.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		t := leaseUntil
		sh.NextCheckAt = &t
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	err := row.Scan(
		&sh.ID, &sh.NoteID, &sh.UserID, &sh.Carrier,
		&sh.CarrierShipmentID, &sh.TrackingNumber,
		&sh.LabelData, &sh.LabelImageURL,
		&sh.Status, &sh.LastKnownEvent,
		&sh.CheckFailCount, &sh.LastError, &sh.NextCheckAt,
		&sh.CreatedAt, &sh.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}
