// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package columnstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/gocql/gocql"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCassandraPort    = 9042
	defaultCassandraTimeout = 5 * time.Second
	defaultPageSize         = 1000
	defaultMultiGetParallel = 16
)

// CassandraConfig configures the cluster backing the column families.
type CassandraConfig struct {
	Hosts       []string `json:"hosts"`
	Port        int      `json:"port"`
	Keyspace    string   `json:"keyspace"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Consistency string   `json:"consistency"`
	TimeoutMs   int      `json:"timeout_ms"`
	// ReplicationFactor is used when the keyspace gets created.
	ReplicationFactor int `json:"replication_factor"`
	PageSize          int `json:"page_size"`
}

// cassandraDriver stores each column family as a table
// (key text, column1 text, value blob) clustered by column1, so a row of the
// table family maps onto one partition and column ranges are clustering
// ranges. Write timestamps are carried by USING TIMESTAMP and WRITETIME.
type cassandraDriver struct {
	session  *gocql.Session
	keyspace string
	pageSize int
	clock    *Clock
	retry    *Retryer
}

type cqlIterator struct {
	iter   *gocql.Iter
	err    error
	closed bool
}

// NewCassandraDriver connects to the cluster and makes sure the keyspace
// and tables exist.
func NewCassandraDriver(ctx context.Context, cfg *CassandraConfig, retry *Retryer) (Driver, error) {
	span := trace.SpanFromContextSafe(ctx)
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("cassandra hosts are empty")
	}
	if cfg.Keyspace == "" {
		cfg.Keyspace = "config_db_uuid"
	}
	if cfg.Port == 0 {
		cfg.Port = defaultCassandraPort
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = defaultCassandraTimeout
	if cfg.TimeoutMs > 0 {
		cluster.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	cluster.ConnectTimeout = cluster.Timeout

	bootstrap, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect cassandra %v: %w", cfg.Hosts, err)
	}
	err = bootstrap.Query(createKeyspaceStmt(cfg.Keyspace, cfg.ReplicationFactor)).WithContext(ctx).Exec()
	if err == nil {
		for _, cf := range AllTables {
			if err = bootstrap.Query(createTableStmt(cfg.Keyspace, cf)).WithContext(ctx).Exec(); err != nil {
				break
			}
		}
	}
	bootstrap.Close()
	if err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	cluster.Keyspace = cfg.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect keyspace %s: %w", cfg.Keyspace, err)
	}
	span.Infof("connected cassandra %v keyspace %s", cfg.Hosts, cfg.Keyspace)

	if retry == nil {
		retry = NewRetryer(nil)
	}
	return &cassandraDriver{
		session:  session,
		keyspace: cfg.Keyspace,
		pageSize: cfg.PageSize,
		clock:    &Clock{},
		retry:    retry.WithTransient(IsCassandraTransient),
	}, nil
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToLower(s) {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "all":
		return gocql.All
	}
	return gocql.Quorum
}

func createKeyspaceStmt(keyspace string, rf int) string {
	return fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH replication = "+
		"{'class': 'SimpleStrategy', 'replication_factor': %d}", keyspace, rf)
}

func createTableStmt(keyspace string, cf CF) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (key text, column1 text, value blob, "+
		"PRIMARY KEY (key, column1)) WITH CLUSTERING ORDER BY (column1 ASC)", keyspace, cf)
}

// selectStmt builds the row read for a slice option, returning the
// statement and its bind values after the row key.
func selectStmt(cf CF, opt *SliceOption) (string, []interface{}) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	fmt.Fprintf(&sb, "SELECT column1, value, WRITETIME(value) FROM %s WHERE key = ?", cf)
	switch {
	case opt != nil && len(opt.Columns) > 0:
		sb.WriteString(" AND column1 IN ?")
		args = append(args, opt.Columns)
	case opt != nil:
		if opt.Start != "" {
			sb.WriteString(" AND column1 >= ?")
			args = append(args, opt.Start)
		}
		if opt.Finish != "" {
			sb.WriteString(" AND column1 <= ?")
			args = append(args, opt.Finish)
		}
	}
	if opt != nil && opt.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opt.Limit)
	}
	return sb.String(), args
}

// IsCassandraTransient reports faults worth retrying: coordinator side
// unavailability and timeouts, and lost connections.
func IsCassandraTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gocql.ErrNoConnections) || errors.Is(err, gocql.ErrConnectionClosed) ||
		errors.Is(err, gocql.ErrTimeoutNoResponse) || errors.Is(err, gocql.ErrSessionClosed) {
		return true
	}
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeUnavailable, gocql.ErrCodeOverloaded, gocql.ErrCodeBootstrapping,
			gocql.ErrCodeReadTimeout, gocql.ErrCodeWriteTimeout:
			return true
		}
	}
	return false
}

func (d *cassandraDriver) query(ctx context.Context, cf CF, key string, opt *SliceOption) *gocql.Query {
	stmt, args := selectStmt(cf, opt)
	return d.session.Query(stmt, append([]interface{}{key}, args...)...).
		WithContext(ctx).PageSize(d.pageSize)
}

func (d *cassandraDriver) Get(ctx context.Context, cf CF, key string, opt *SliceOption) (cols []Column, err error) {
	err = d.retry.Do(ctx, "get", func() error {
		cols = cols[:0]
		iter := d.query(ctx, cf, key, opt).Iter()
		var c Column
		for iter.Scan(&c.Name, &c.Value, &c.Ts) {
			cols = append(cols, c)
			c = Column{}
		}
		return iter.Close()
	})
	if err == nil {
		sortColumns(cols)
	}
	return
}

func (d *cassandraDriver) MultiGet(ctx context.Context, cf CF, keys []string, opt *SliceOption) (map[string][]Column, error) {
	results := make([][]Column, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, defaultMultiGetParallel)
	for i := range keys {
		i := i
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			cols, err := d.Get(gctx, cf, keys[i], opt)
			results[i] = cols
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ret := make(map[string][]Column, len(keys))
	for i, key := range keys {
		if len(results[i]) > 0 {
			ret[key] = results[i]
		}
	}
	return ret, nil
}

func (d *cassandraDriver) XGet(ctx context.Context, cf CF, key string, opt *SliceOption) ColumnIterator {
	return &cqlIterator{iter: d.query(ctx, cf, key, opt).Iter()}
}

func (d *cassandraDriver) Insert(ctx context.Context, cf CF, key string, cols ...Column) error {
	return d.Write(ctx, NewBatch().Insert(cf, key, cols...))
}

func (d *cassandraDriver) Remove(ctx context.Context, cf CF, key string, columns ...string) error {
	return d.Write(ctx, NewBatch().Remove(cf, key, columns...))
}

func (d *cassandraDriver) Write(ctx context.Context, b *Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	base := d.clock.Reserve(b.Len())
	return d.retry.Do(ctx, "write", func() error {
		batch := d.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		for i, m := range b.mutations {
			ts := base + int64(i)
			switch m.kind {
			case mutationInsert:
				batch.Query(fmt.Sprintf("INSERT INTO %s (key, column1, value) VALUES (?, ?, ?) USING TIMESTAMP ?", m.cf),
					m.key, m.name, m.value, ts)
			case mutationRemoveColumn:
				batch.Query(fmt.Sprintf("DELETE FROM %s USING TIMESTAMP ? WHERE key = ? AND column1 = ?", m.cf),
					ts, m.key, m.name)
			case mutationRemoveRow:
				batch.Query(fmt.Sprintf("DELETE FROM %s USING TIMESTAMP ? WHERE key = ?", m.cf), ts, m.key)
			}
		}
		return d.session.ExecuteBatch(batch)
	})
}

func (d *cassandraDriver) Scan(ctx context.Context, cf CF, opt *SliceOption, fn RowFunc) error {
	var keys []string
	err := d.retry.Do(ctx, "scan", func() error {
		keys = keys[:0]
		iter := d.session.Query(fmt.Sprintf("SELECT DISTINCT key FROM %s", cf)).
			WithContext(ctx).PageSize(d.pageSize).Iter()
		var key string
		for iter.Scan(&key) {
			keys = append(keys, key)
		}
		return iter.Close()
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		cols, err := d.Get(ctx, cf, key, opt)
		if err != nil {
			return err
		}
		if err = fn(key, cols); err != nil {
			return err
		}
	}
	return nil
}

func (d *cassandraDriver) Close() {
	d.session.Close()
}

func (it *cqlIterator) Next() (Column, bool) {
	if it.closed || it.err != nil {
		return Column{}, false
	}
	var c Column
	if it.iter.Scan(&c.Name, &c.Value, &c.Ts) {
		return c, true
	}
	it.err = it.iter.Close()
	it.closed = true
	return Column{}, false
}

func (it *cqlIterator) Err() error {
	return it.err
}

func (it *cqlIterator) Close() {
	if !it.closed {
		it.err = it.iter.Close()
		it.closed = true
	}
}
