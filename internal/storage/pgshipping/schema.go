package pgshipping

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		// Notes are owned by the notes service; this table mirrors the
		// columns the shipping flow reads (recipient address + shippable
		// flag) so dev/compose works standalone.
		`
CREATE TABLE IF NOT EXISTS notes (
  id UUID PRIMARY KEY,
  user_id UUID NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  is_shippable BOOLEAN NOT NULL DEFAULT FALSE,
  recipient_name TEXT NULL,
  recipient_address_line1 TEXT NULL,
  recipient_address_line2 TEXT NULL,
  recipient_city TEXT NULL,
  recipient_postal_code TEXT NULL,
  recipient_country TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id UUID PRIMARY KEY,
  note_id UUID NOT NULL REFERENCES notes(id),
  user_id UUID NOT NULL,
  carrier TEXT NOT NULL,
  carrier_shipment_id TEXT NULL,
  tracking_number TEXT NULL,
  label_data TEXT NULL,
  label_image_url TEXT NULL,
  status TEXT NOT NULL,
  last_known_event TEXT NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  next_check_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_check_at ON shipments(next_check_at) WHERE next_check_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_user_id ON shipments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_note_id ON shipments(note_id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
