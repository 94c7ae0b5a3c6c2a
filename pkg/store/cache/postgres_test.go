package cache

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM cache_entries WHERE key = $1")).
		WithArgs("compliance_data_fips_v3").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"records":[]}`)))

	v, found, err := store.Get(ctx, "compliance_data_fips_v3")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"records":[]}`, string(v))

	// Empty result set surfaces as sql.ErrNoRows from Scan.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM cache_entries WHERE key = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, found, err = store.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value")).
		WithArgs("broken").
		WillReturnError(errors.New("connection reset"))

	_, _, err = store.Get(ctx, "broken")
	assert.ErrorContains(t, err, "connection reset")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Set(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cache_entries")).
		WithArgs("k", []byte("v")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, store.Set(context.Background(), "k", []byte("v")))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cache_entries")).
		WithArgs("k", []byte("v")).
		WillReturnError(errors.New("disk full"))

	err = store.Set(context.Background(), "k", []byte("v"))
	assert.ErrorContains(t, err, "failed to persist cache entry")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS cache_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, NewPostgresStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
