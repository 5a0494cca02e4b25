package saver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	TimeFormat = "2006-01-02 15:04:05.000"

	journalInsertQuery string = "insert into messages (id, received_at, mail_from, rcpt_to, subject, size, path, dkim) values (?, ?, ?, ?, ?, ?, ?, ?)"

	sqliteJournalCreateTable string = `
	create table if not exists messages (
    id text primary key,
    received_at datetime default CURRENT_TIMESTAMP,
    mail_from text,
    rcpt_to text,
    subject text,
    size integer,
    path text,
    dkim text
	)`
	mysqlJournalCreateTable string = `
	create table if not exists messages (
    id char(26) primary key,
    received_at datetime(3),
    mail_from varchar(320),
    rcpt_to varchar(320),
    subject text,
    size bigint,
    path text,
    dkim text
	)`
)

// Journal records every saved message as a row of the messages table.
// Supported drivers are "sqlite" and "mysql".
type Journal struct {
	db     *sql.DB
	driver string
}

func OpenJournal(driver, dsn string) (*Journal, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing dsn for %s journal", driver)
	}
	if _, err := createTableQuery(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s journal: %w", driver, err)
	}
	return &Journal{db: db, driver: driver}, nil
}

// NewJournal wraps an already opened database.
func NewJournal(db *sql.DB, driver string) *Journal {
	return &Journal{db: db, driver: driver}
}

func createTableQuery(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return sqliteJournalCreateTable, nil
	case "mysql":
		return mysqlJournalCreateTable, nil
	default:
		return "", fmt.Errorf("unsupported journal driver %q", driver)
	}
}

// Init creates the messages table when it does not exist yet.
func (j *Journal) Init(ctx context.Context) error {
	q, err := createTableQuery(j.driver)
	if err != nil {
		return err
	}
	if _, err := j.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

func (j *Journal) Name() string {
	return j.driver + " journal"
}

func (j *Journal) Notify(ctx context.Context, m *Message) error {
	_, err := j.db.ExecContext(
		ctx,
		journalInsertQuery,
		m.ID,
		m.ReceivedAt.UTC().Format(TimeFormat),
		m.From,
		m.Recipient,
		m.Subject,
		m.Size,
		m.Path,
		strings.Join(m.DKIM, "; "),
	)
	if err != nil {
		return fmt.Errorf("failed to record message %s: %w", m.ID, err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
