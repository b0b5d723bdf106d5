package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrBalanceCheck is returned by ApplyPoints when the conditional balance
// update matched the user but the resulting balance would be negative.
var ErrBalanceCheck = errors.New("balance check failed")

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
