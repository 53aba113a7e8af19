package pgshipping

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrNotFound — записи нет (или она принадлежит другому пользователю).
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an update's expected prior status no
	// longer matches the stored row (a concurrent writer won).
	ErrConflict = errors.New("status conflict")
)

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
