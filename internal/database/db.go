package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type (
	// Queryable is the subset of sqlx's API which is shared between the
	// sqlx.DB and sqlx.Tx types. Stores accept this interface so callers
	// can compose multiple store operations inside a single transaction.
	Queryable interface {
		Exec(query string, args ...any) (sql.Result, error)
		Get(dest interface{}, query string, args ...interface{}) error
		Select(dest interface{}, query string, args ...interface{}) error
		Rebind(query string) string
	}

	// JsonColumn wraps an arbitrary (de)serializable value so it can be
	// scanned from, and stored to, a Postgres JSONB column.
	JsonColumn[T any] struct {
		val   *T
		valid bool
	}
)

func NewJsonColumn[T any](val *T) JsonColumn[T] {
	return JsonColumn[T]{val: val, valid: val != nil}
}

func (j *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		j.val, j.valid = nil, false
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("JsonColumn scan failed: unsupported source type %T", src)
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("JsonColumn scan failed: %w", err)
	}

	j.val = out
	j.valid = true
	return nil
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	if !j.valid || j.val == nil {
		return nil, nil
	}

	return json.Marshal(j.val)
}

// Get returns the contained value, which will be nil if the column
// was NULL (or the container was never populated).
func (j *JsonColumn[T]) Get() *T { return j.val }
