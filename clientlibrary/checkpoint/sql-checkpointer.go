/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
	"github.com/kaeawc/kinesis-checkpoint/logger"
)

// DefaultSQLTableName is the table SQL checkpoints are kept in unless WithSQLTable says otherwise.
const DefaultSQLTableName = "kcl_checkpoints"

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
	checkpoint_key VARCHAR(255) NOT NULL PRIMARY KEY,
	lease_owner VARCHAR(255) NOT NULL DEFAULT '',
	lease_timeout BIGINT NOT NULL DEFAULT 0,
	sequence_number VARCHAR(128) NOT NULL DEFAULT '',
	parent_shard_id VARCHAR(255) NOT NULL DEFAULT ''
)`
	selectLeaseSQL      = `SELECT lease_owner, lease_timeout, sequence_number, parent_shard_id FROM %s WHERE checkpoint_key = ?`
	updateLeaseSQL      = `UPDATE %s SET lease_owner = ?, lease_timeout = ? WHERE checkpoint_key = ? AND lease_owner = ? AND lease_timeout = ?`
	updateCheckpointSQL = `UPDATE %s SET sequence_number = ? WHERE checkpoint_key = ? AND lease_owner = ?`
	releaseLeaseSQL     = `UPDATE %s SET lease_owner = '' WHERE checkpoint_key = ? AND lease_owner = ?`
)

// SQLDialect captures what differs between the supported SQL databases.
type SQLDialect struct {
	// DriverName is the database/sql driver the dialect talks to.
	DriverName string

	// numberedPlaceholders rewrites ? placeholders to $1, $2, ...
	numberedPlaceholders bool

	// insertLeaseSQL inserts a lease row unless one already exists for the key.
	insertLeaseSQL string

	// throttled reports driver errors caused by resource exhaustion or lock contention.
	throttled func(error) bool
}

var (
	PostgresDialect = SQLDialect{
		DriverName:           "postgres",
		numberedPlaceholders: true,
		insertLeaseSQL:       `INSERT INTO %s (checkpoint_key, lease_owner, lease_timeout, sequence_number, parent_shard_id) VALUES (?, ?, ?, ?, ?) ON CONFLICT (checkpoint_key) DO NOTHING`,
		throttled: func(err error) bool {
			var pqErr *pq.Error
			if !errors.As(err, &pqErr) {
				return false
			}
			// class 53 is insufficient_resources
			return pqErr.Code.Class() == "53" ||
				pqErr.Code == "40001" || // serialization_failure
				pqErr.Code == "40P01" || // deadlock_detected
				pqErr.Code == "55P03" // lock_not_available
		},
	}

	MySQLDialect = SQLDialect{
		DriverName:     "mysql",
		insertLeaseSQL: `INSERT IGNORE INTO %s (checkpoint_key, lease_owner, lease_timeout, sequence_number, parent_shard_id) VALUES (?, ?, ?, ?, ?)`,
		throttled: func(err error) bool {
			var myErr *mysql.MySQLError
			if !errors.As(err, &myErr) {
				return false
			}
			switch myErr.Number {
			case 1040, // too many connections
				1205, // lock wait timeout
				1213: // deadlock
				return true
			}
			return false
		},
	}
)

// SQLDialectFor returns the dialect registered for a driver name.
func SQLDialectFor(driverName string) (SQLDialect, error) {
	switch driverName {
	case PostgresDialect.DriverName:
		return PostgresDialect, nil
	case MySQLDialect.DriverName:
		return MySQLDialect, nil
	default:
		return SQLDialect{}, fmt.Errorf("unsupported SQL driver %q", driverName)
	}
}

func (d SQLDialect) rebind(query string) string {
	if !d.numberedPlaceholders {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlQueries struct {
	createTable      string
	selectLease      string
	insertLease      string
	updateLease      string
	updateCheckpoint string
	releaseLease     string
}

// SQLOption is used to override defaults when creating a new SQL checkpoint
type SQLOption func(*SQLCheckpoint)

// WithDB uses an already opened database instead of opening the DSN
func WithDB(db *sql.DB) SQLOption {
	return func(c *SQLCheckpoint) {
		c.db = db
	}
}

// WithSQLTable overrides the checkpoint table name
func WithSQLTable(tableName string) SQLOption {
	return func(c *SQLCheckpoint) {
		c.tableName = tableName
	}
}

// SQLCheckpoint implements the Checkpoint interface on a relational database. Every lease and
// checkpoint write is an UPDATE guarded by the current owner, so a worker that lost its lease
// changes no rows.
type SQLCheckpoint struct {
	log           logger.Logger
	dialect       SQLDialect
	dsn           string
	tableName     string
	appName       string
	streamName    string
	workerID      string
	leaseDuration time.Duration
	db            *sql.DB
	queries       sqlQueries
	now           func() time.Time
}

func NewSQLCheckpoint(kclConfig *config.KinesisClientLibConfiguration, dialect SQLDialect, dsn string, opts ...SQLOption) *SQLCheckpoint {
	c := &SQLCheckpoint{
		log:           kclConfig.Logger,
		dialect:       dialect,
		dsn:           dsn,
		tableName:     DefaultSQLTableName,
		appName:       kclConfig.TableName,
		streamName:    kclConfig.StreamName,
		workerID:      kclConfig.WorkerID,
		leaseDuration: time.Duration(kclConfig.FailoverTimeMillis) * time.Millisecond,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	q := func(format string) string {
		return dialect.rebind(fmt.Sprintf(format, c.tableName))
	}
	c.queries = sqlQueries{
		createTable:      fmt.Sprintf(createTableSQL, c.tableName),
		selectLease:      q(selectLeaseSQL),
		insertLease:      q(dialect.insertLeaseSQL),
		updateLease:      q(updateLeaseSQL),
		updateCheckpoint: q(updateCheckpointSQL),
		releaseLease:     q(releaseLeaseSQL),
	}

	return c
}

// Init opens the database if needed and creates the checkpoint table when it does not exist
func (c *SQLCheckpoint) Init() error {
	if c.db == nil {
		c.log.Infof("Opening %s checkpoint database", c.dialect.DriverName)
		db, err := sql.Open(c.dialect.DriverName, c.dsn)
		if err != nil {
			return fmt.Errorf("failed to open %s database: %w", c.dialect.DriverName, err)
		}
		c.db = db
	}

	if err := c.db.Ping(); err != nil {
		return err
	}

	_, err := c.db.Exec(c.queries.createTable)
	return err
}

// GetLease attempts to gain a lock on the given shard
func (c *SQLCheckpoint) GetLease(shard *par.ShardStatus, newAssignTo string) error {
	key := c.key(shard.ID)
	now := c.now()
	newLeaseTimeout := now.Add(c.leaseDuration)

	current, err := c.load(key)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := c.db.Exec(c.queries.insertLease, key, newAssignTo, newLeaseTimeout.UnixMilli(), shard.GetCheckpoint(), shard.ParentShardId)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrLeaseNotAcquired{"lease created concurrently by another worker"}
		}
		shard.SetLease(newAssignTo, newLeaseTimeout)
		return nil
	}
	if err != nil {
		return err
	}

	if current.heldByOther(newAssignTo, now) {
		return ErrLeaseNotAcquired{"current lease timeout not yet expired"}
	}

	c.log.Debugf("Attempting to get a lock for shard: %s, leaseTimeout: %s, assignedTo: %s, newAssignedTo: %s", shard.ID, current.Timeout, current.Owner, newAssignTo)
	res, err := c.db.Exec(c.queries.updateLease, newAssignTo, newLeaseTimeout.UnixMilli(), key, current.Owner, unixMillis(current.Timeout))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrLeaseNotAcquired{"lease changed while acquiring"}
	}

	shard.SetLease(newAssignTo, newLeaseTimeout)
	return nil
}

// CheckpointSequence writes shard.Checkpoint if shard.AssignedTo still holds the lease.
func (c *SQLCheckpoint) CheckpointSequence(shard *par.ShardStatus) error {
	sequenceNumber := shard.GetCheckpoint()
	owner := shard.GetLeaseOwner()
	if owner == "" {
		return NewCheckpointError(KindShutdown, shard.ID, sequenceNumber, ErrLeaseLost)
	}

	res, err := c.db.Exec(c.queries.updateCheckpoint, sequenceNumber, c.key(shard.ID), owner)
	if err != nil {
		return c.classify(shard.ID, sequenceNumber, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return c.classify(shard.ID, sequenceNumber, err)
	}
	if n == 0 {
		return NewCheckpointError(KindShutdown, shard.ID, sequenceNumber, ErrLeaseLost)
	}
	return nil
}

// FetchCheckpoint retrieves the checkpoint for the given shard
func (c *SQLCheckpoint) FetchCheckpoint(shard *par.ShardStatus) error {
	current, err := c.load(c.key(shard.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSequenceIDNotFound
	}
	if err != nil {
		return err
	}

	if current.Checkpoint == "" {
		return ErrSequenceIDNotFound
	}
	c.log.Debugf("Retrieved Shard Iterator %s", current.Checkpoint)

	shard.SetCheckpoint(current.Checkpoint)
	shard.SetLease(current.Owner, current.Timeout)
	return nil
}

// RemoveLeaseOwner to remove lease owner for the shard entry
func (c *SQLCheckpoint) RemoveLeaseOwner(shardID string) error {
	res, err := c.db.Exec(c.queries.releaseLease, c.key(shardID), c.workerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("shard %s is not leased to %s", shardID, c.workerID)
	}
	return nil
}

// Close closes the underlying database.
func (c *SQLCheckpoint) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLCheckpoint) load(key string) (*lease, error) {
	var (
		l              lease
		leaseTimeoutMs int64
	)
	err := c.db.QueryRow(c.queries.selectLease, key).Scan(&l.Owner, &leaseTimeoutMs, &l.Checkpoint, &l.ParentShardID)
	if err != nil {
		return nil, err
	}
	if leaseTimeoutMs > 0 {
		l.Timeout = time.UnixMilli(leaseTimeoutMs)
	}
	return &l, nil
}

func (c *SQLCheckpoint) key(shardID string) string {
	return checkpointKey(c.appName, c.streamName, shardID)
}

func (c *SQLCheckpoint) classify(shardID, sequenceNumber string, err error) error {
	if c.dialect.throttled != nil && c.dialect.throttled(err) {
		return NewCheckpointError(KindThrottling, shardID, sequenceNumber, err)
	}
	return NewCheckpointError(KindUnclassified, shardID, sequenceNumber, err)
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
