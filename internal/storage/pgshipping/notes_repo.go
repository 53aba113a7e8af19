package pgshipping

import (
	"context"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) GetNote(ctx context.Context, noteID uuid.UUID) (*models.Note, error) {
	var n models.Note
	err := s.db.QueryRow(ctx, `
SELECT
  id, user_id, title, content, is_shippable,
  recipient_name, recipient_address_line1, recipient_address_line2,
  recipient_city, recipient_postal_code, recipient_country,
  created_at
FROM notes
WHERE id = $1
`, noteID).Scan(
		&n.ID, &n.UserID, &n.Title, &n.Content, &n.IsShippable,
		&n.RecipientName, &n.RecipientAddressLine1, &n.RecipientAddressLine2,
		&n.RecipientCity, &n.RecipientPostalCode, &n.RecipientCountry,
		&n.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select note")
	}
	return &n, nil
}
