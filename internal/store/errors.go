package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// DatabaseError is an underlying store I/O or SQL failure. It is propagated
// to the caller unchanged apart from naming the operation.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, passes sql.ErrNoRows and existing
// DatabaseErrors through, and wraps everything else.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}
	return &DatabaseError{Op: op, Err: err}
}

func IsDatabaseError(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr)
}

// RowsAffected reads the row count of a guarded write, wrapping a driver
// failure like any other database error.
func RowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, Wrap(op+" rows affected", err)
	}
	return n, nil
}
