package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

func TestStoreRecordInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.Record{
		ID:        "42",
		Title:     "Emission Standards",
		URL:       "https://ex.org/rule/42",
		Text:      "body",
		Sections:  []crawler.Section{{ID: "scope", Title: "Scope", Text: "applies"}},
		Metadata:  map[string]string{"author": "Agency"},
		ScrapedAt: now,
	}

	mock.ExpectExec("INSERT INTO records").
		WithArgs(
			"run-1",
			rec.ID,
			rec.URL,
			rec.Title,
			rec.Text,
			[]byte(`[{"id":"scope","title":"Scope","text":"applies"}]`),
			[]byte(`{"author":"Agency"}`),
			rec.ScrapedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreRecord(context.Background(), "run-1", rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRecordEncodesEmptyCollections(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "")
	require.NoError(t, err)

	rec := crawler.Record{ID: "7", URL: "https://ex.org/rule/7"}
	mock.ExpectExec("INSERT INTO records").
		WithArgs("run-2", "7", rec.URL, "", "", []byte(`[]`), []byte(`{}`), rec.ScrapedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.StoreRecord(context.Background(), "run-2", rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRecordWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "records")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO records").WillReturnError(errors.New("connection lost"))
	err = store.StoreRecord(context.Background(), "run", crawler.Record{ID: "1"})
	require.ErrorContains(t, err, "insert record: connection lost")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "crawl_records")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_records").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRecordValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStoreWithPool(nil, "records")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "records; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	store, err := NewRecordStoreWithPool(mock, "records")
	require.NoError(t, err)
	require.ErrorContains(t, store.StoreRecord(context.Background(), "run", crawler.Record{}), "record id is required")

	_, err = NewRecordStore(context.Background(), RecordStoreConfig{})
	require.ErrorContains(t, err, "output.database_url is required")
}
