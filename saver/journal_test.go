package saver

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type AnyID struct{}

func (a AnyID) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && len(s) == 26
}

func TestJournalInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists messages").WillReturnResult(sqlmock.NewResult(0, 0))
	j := NewJournal(db, "sqlite")
	assert.Equal(t, "sqlite journal", j.Name())
	require.NoError(t, j.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, NewJournal(db, "postgres").Init(context.Background()))
}

func TestJournalNotify(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ti := time.Date(2023, time.August, 16, 14, 48, 0, 0, time.UTC)
	mock.ExpectExec("insert into messages").WithArgs(
		"01H7X3V0S0ZP6J6Q7ZK3T1W0AB",
		ti.Format(TimeFormat),
		"alice@example.local",
		"bob@example.test",
		"hello",
		int64(42),
		"/tmp/out/01H7X3V0S0ZP6J6Q7ZK3T1W0AB.eml",
		"pass example.local",
	).WillReturnResult(sqlmock.NewResult(1, 1))

	j := NewJournal(db, "mysql")
	err = j.Notify(context.Background(), &Message{
		ID:         "01H7X3V0S0ZP6J6Q7ZK3T1W0AB",
		From:       "alice@example.local",
		Recipient:  "bob@example.test",
		Subject:    "hello",
		Size:       42,
		ReceivedAt: ti,
		Path:       "/tmp/out/01H7X3V0S0ZP6J6Q7ZK3T1W0AB.eml",
		DKIM:       []string{"pass example.local"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalThroughSaver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("insert into messages").WithArgs(
		AnyID{},
		sqlmock.AnyArg(),
		"alice@example.local",
		"bob@example.test",
		"journal",
		int64(20),
		"",
		"",
	).WillReturnError(errors.New("database is locked"))

	s, err := NewSaver(DiscardStore{}, WithNotifiers(NewJournal(db, "sqlite")))
	require.NoError(t, err)
	// a journal failure is logged, the message still counts as delivered
	err = s.SaveEmailAndNotify(context.Background(), "alice@example.local", "bob@example.test", stringsReader("Subject: journal\r\n\r\n"))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenJournal(t *testing.T) {
	_, err := OpenJournal("sqlite", "")
	assert.Error(t, err)
	_, err = OpenJournal("postgres", "dsn")
	assert.Error(t, err)
}

func TestJournalSqlite(t *testing.T) {
	j, err := OpenJournal("sqlite", t.TempDir()+"/journal.sqlite")
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()
	require.NoError(t, j.Init(ctx))
	require.NoError(t, j.Init(ctx))

	require.NoError(t, j.Notify(ctx, &Message{
		ID:         "01H7X3V0S0ZP6J6Q7ZK3T1W0AB",
		From:       "alice@example.local",
		Recipient:  "bob@example.test",
		ReceivedAt: time.Now(),
	}))
	var count int
	require.NoError(t, j.db.QueryRowContext(ctx, "select count(*) from messages where rcpt_to = ?", "bob@example.test").Scan(&count))
	assert.Equal(t, 1, count)
}
