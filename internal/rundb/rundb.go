// Package rundb records session metadata rows in a ClickHouse database.
// Every entry point is nil-safe: rigs with no database configured pass a
// nil *Connection everywhere and nothing is recorded.
package rundb

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "daqstream" // official SQL name of the database

// Connection wraps one ClickHouse connection plus the first error seen on
// it. A Connection with a non-nil err silently drops rows, so a database
// outage never interferes with a running session.
type Connection struct {
	conn clickhouse.Conn
	err  error
}

// IsConnected reports whether rows will actually be recorded.
func (db *Connection) IsConnected() bool {
	return db != nil && db.conn != nil && db.err == nil
}

// Connect opens a connection to the ClickHouse server at addr
// (host:port). Credentials come from DAQSTREAM_DB_USER and
// DAQSTREAM_DB_PASSWORD. Connect never fails: on any error it returns a
// Connection that drops rows, with the error stored for Err.
func Connect(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("DAQSTREAM_DB_USER"),
		Password: os.Getenv("DAQSTREAM_DB_PASSWORD"),
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: auth,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	if err := db.ensureTables(ctx); err != nil {
		db.err = err
	}
	return db
}

// Err returns the first error seen on the connection, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// Close releases the connection.
func (db *Connection) Close() {
	if db.IsConnected() {
		db.conn.Close()
	}
}

func (db *Connection) ensureTables(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS sessions (
		id String,
		device String,
		input_channels Array(String),
		output_channels Array(String),
		sample_rate Float64,
		started DateTime64(6),
		stopped Nullable(DateTime64(6)),
		stop_reason String
	) ENGINE = MergeTree() ORDER BY (started, id)`
	return db.conn.Exec(ctx, ddl)
}

const timeFormat = "2006-01-02 15:04:05.000000"

// LogSessionStart records the start of a session. Blocking insert, called
// from the controller context only, never from the callback path.
func (db *Connection) LogSessionStart(id, device string, inputChannels, outputChannels []string, sampleRate float64) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx,
		`INSERT INTO sessions (id, device, input_channels, output_channels, sample_rate, started, stop_reason) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nowait, id, device, inputChannels, outputChannels, sampleRate,
		time.Now().Format(timeFormat), "",
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

// LogSessionStop records the end of a session and why it ended.
func (db *Connection) LogSessionStop(id, reason string) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	if err := db.conn.Exec(ctx,
		`ALTER TABLE sessions UPDATE stopped = ?, stop_reason = ? WHERE id = ?`,
		time.Now().Format(timeFormat), reason, id,
	); err != nil {
		fmt.Println("Error raised on update of sessions ", err)
		db.err = err
	}
}
