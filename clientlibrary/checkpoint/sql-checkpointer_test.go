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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/kaeawc/kinesis-checkpoint/clientlibrary/config"
	par "github.com/kaeawc/kinesis-checkpoint/clientlibrary/partition"
)

var sqlTestNow = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

var sqlLeaseColumns = []string{"lease_owner", "lease_timeout", "sequence_number", "parent_shard_id"}

func newTestSQLCheckpoint(t *testing.T, dialect SQLDialect) (*SQLCheckpoint, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	kclConfig := cfg.NewKinesisClientLibConfig("app", "stream", "us-west-2", "abc").
		WithFailoverTimeMillis(1000)

	c := NewSQLCheckpoint(kclConfig, dialect, "", WithDB(db))
	c.now = func() time.Time { return sqlTestNow }
	return c, mock
}

func TestSQLDialectRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", PostgresDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ? AND b = ?", MySQLDialect.rebind("a = ? AND b = ?"))

	d, err := SQLDialectFor("mysql")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.DriverName)

	_, err = SQLDialectFor("sqlite3")
	assert.Error(t, err)
}

func TestSQLQueries(t *testing.T) {
	c, _ := newTestSQLCheckpoint(t, PostgresDialect)
	assert.Equal(t, "UPDATE kcl_checkpoints SET sequence_number = $1 WHERE checkpoint_key = $2 AND lease_owner = $3", c.queries.updateCheckpoint)
	assert.Contains(t, c.queries.insertLease, "ON CONFLICT (checkpoint_key) DO NOTHING")

	c, _ = newTestSQLCheckpoint(t, MySQLDialect)
	assert.Contains(t, c.queries.insertLease, "INSERT IGNORE INTO kcl_checkpoints")
}

func TestSQLInitCreatesTable(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, PostgresDialect)
	mock.ExpectExec(c.queries.createTable).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.Init())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetLeaseNewShard(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, PostgresDialect)
	key := c.key("0001")

	mock.ExpectQuery(c.queries.selectLease).WithArgs(key).WillReturnRows(sqlmock.NewRows(sqlLeaseColumns))
	mock.ExpectExec(c.queries.insertLease).
		WithArgs(key, "abc", sqlTestNow.Add(time.Second).UnixMilli(), "", "0000").
		WillReturnResult(sqlmock.NewResult(0, 1))

	shard := par.NewShardStatus("0001")
	shard.ParentShardId = "0000"
	require.NoError(t, c.GetLease(shard, "abc"))
	assert.Equal(t, "abc", shard.GetLeaseOwner())
	assert.Equal(t, sqlTestNow.Add(time.Second), shard.GetLeaseTimeout())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetLeaseCreatedConcurrently(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, MySQLDialect)
	key := c.key("0001")

	mock.ExpectQuery(c.queries.selectLease).WithArgs(key).WillReturnRows(sqlmock.NewRows(sqlLeaseColumns))
	mock.ExpectExec(c.queries.insertLease).WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.GetLease(par.NewShardStatus("0001"), "abc")
	assert.True(t, errors.As(err, &ErrLeaseNotAcquired{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetLeaseHeldByOther(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, PostgresDialect)
	key := c.key("0001")

	mock.ExpectQuery(c.queries.selectLease).WithArgs(key).
		WillReturnRows(sqlmock.NewRows(sqlLeaseColumns).AddRow("xyz", sqlTestNow.Add(time.Minute).UnixMilli(), "7", ""))

	err := c.GetLease(par.NewShardStatus("0001"), "abc")
	assert.True(t, errors.As(err, &ErrLeaseNotAcquired{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetLeaseExpired(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, PostgresDialect)
	key := c.key("0001")
	expired := sqlTestNow.Add(-time.Minute).UnixMilli()

	mock.ExpectQuery(c.queries.selectLease).WithArgs(key).
		WillReturnRows(sqlmock.NewRows(sqlLeaseColumns).AddRow("xyz", expired, "7", ""))
	mock.ExpectExec(c.queries.updateLease).
		WithArgs("abc", sqlTestNow.Add(time.Second).UnixMilli(), key, "xyz", expired).
		WillReturnResult(sqlmock.NewResult(0, 1))

	shard := par.NewShardStatus("0001")
	require.NoError(t, c.GetLease(shard, "abc"))
	assert.Equal(t, "abc", shard.GetLeaseOwner())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCheckpointSequence(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, PostgresDialect)
	key := c.key("0001")

	shard := par.NewShardStatus("0001")
	shard.SetLease("abc", sqlTestNow.Add(time.Second))
	shard.SetCheckpoint("9")

	mock.ExpectExec(c.queries.updateCheckpoint).WithArgs("9", key, "abc").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.CheckpointSequence(shard))

	mock.ExpectExec(c.queries.updateCheckpoint).WithArgs("9", key, "abc").WillReturnResult(sqlmock.NewResult(0, 0))
	err := c.CheckpointSequence(shard)
	assert.Equal(t, KindShutdown, Classify(err))
	assert.True(t, errors.Is(err, ErrLeaseLost))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCheckpointSequenceErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		dialect SQLDialect
		err     error
		kind    ErrorKind
	}{
		{"postgres too many connections", PostgresDialect, &pq.Error{Code: "53300"}, KindThrottling},
		{"postgres deadlock", PostgresDialect, &pq.Error{Code: "40P01"}, KindThrottling},
		{"postgres syntax error", PostgresDialect, &pq.Error{Code: "42601"}, KindUnclassified},
		{"mysql lock wait timeout", MySQLDialect, &mysql.MySQLError{Number: 1205}, KindThrottling},
		{"mysql duplicate entry", MySQLDialect, &mysql.MySQLError{Number: 1062}, KindUnclassified},
		{"plain error", MySQLDialect, errors.New("broken pipe"), KindUnclassified},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, mock := newTestSQLCheckpoint(t, test.dialect)

			shard := par.NewShardStatus("0001")
			shard.SetLease("abc", sqlTestNow.Add(time.Second))
			shard.SetCheckpoint("9")

			mock.ExpectExec(c.queries.updateCheckpoint).WillReturnError(test.err)
			assert.Equal(t, test.kind, Classify(c.CheckpointSequence(shard)))
		})
	}
}

func TestSQLFetchCheckpoint(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, MySQLDialect)
	key := c.key("0001")
	timeout := sqlTestNow.Add(time.Second)

	mock.ExpectQuery(c.queries.selectLease).WithArgs(key).
		WillReturnRows(sqlmock.NewRows(sqlLeaseColumns).AddRow("abc", timeout.UnixMilli(), "11", ""))
	mock.ExpectQuery(c.queries.selectLease).WithArgs(key).WillReturnRows(sqlmock.NewRows(sqlLeaseColumns))

	shard := par.NewShardStatus("0001")
	require.NoError(t, c.FetchCheckpoint(shard))
	assert.Equal(t, "11", shard.GetCheckpoint())
	assert.Equal(t, "abc", shard.GetLeaseOwner())
	assert.True(t, timeout.Equal(shard.GetLeaseTimeout()))

	assert.Equal(t, ErrSequenceIDNotFound, c.FetchCheckpoint(par.NewShardStatus("0001")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRemoveLeaseOwner(t *testing.T) {
	c, mock := newTestSQLCheckpoint(t, PostgresDialect)
	key := c.key("0001")

	mock.ExpectExec(c.queries.releaseLease).WithArgs(key, "abc").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(c.queries.releaseLease).WithArgs(key, "abc").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, c.RemoveLeaseOwner("0001"))
	assert.Error(t, c.RemoveLeaseOwner("0001"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
