// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package spannerlimits implements limitdb.Storage on top of Cloud Spanner.
package spannerlimits

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/api/option/internaloption"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"

	"storj.io/throttle/pkg/limits/limitdb"
)

// TableDDL creates the table the database expects.
const TableDDL = `CREATE TABLE rate_limits (
	key              STRING(MAX)  NOT NULL,
	requests         ARRAY<INT64>,
	first_request_at INT64        NOT NULL,
	last_request_at  INT64        NOT NULL,
	last_update      INT64        NOT NULL
) PRIMARY KEY (key)`

const table = "rate_limits"

var columns = []string{"requests", "first_request_at", "last_request_at", "last_update"}

var (
	_ limitdb.Storage = (*CloudDatabase)(nil)

	// Error is a class of spannerlimits errors.
	Error = errs.Class("spannerlimits")
	mon   = monkit.Package()
)

// Config is config to configure the Cloud Spanner database.
type Config struct {
	DatabaseName        string `user:"true" help:"name of Cloud Spanner database in the form projects/PROJECT_ID/instances/INSTANCE_ID/databases/DATABASE_ID"`
	CredentialsFilename string `user:"true" help:"credentials file with access to Cloud Spanner database"`

	// Staleness makes Get read at an exact staleness instead of strongly.
	// Check never uses it.
	Staleness time.Duration `help:"how stale status reads may be; zero means strong reads" default:"0s"`

	// Address is used for Cloud Spanner Emulator in tests.
	Address string `internal:"true"`
}

// CloudDatabase represents a remote Cloud Spanner database that implements
// the Storage interface.
type CloudDatabase struct {
	log    *zap.Logger
	client *spanner.Client

	staleness time.Duration
}

// Open returns initialized CloudDatabase connected to Cloud Spanner. If
// address is specified in config, it configures options for Cloud Spanner
// Emulator.
func Open(ctx context.Context, log *zap.Logger, config Config) (*CloudDatabase, error) {
	var opts []option.ClientOption
	if config.CredentialsFilename != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFilename))
	}
	if config.Address != "" {
		opts = append(opts, EmulatorOpts(config.Address)...)
	}
	c, err := spanner.NewClientWithConfig(ctx, config.DatabaseName, spanner.ClientConfig{
		Logger:      zap.NewStdLog(log),
		Compression: "gzip",
	}, opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &CloudDatabase{
		log:       log,
		client:    c,
		staleness: config.Staleness,
	}, nil
}

// EmulatorOpts returns ClientOptions for Cloud Spanner Emulator.
func EmulatorOpts(addr string) []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
		internaloption.SkipDialSettingsValidation(),
	}
}

// Get retrieves the record.
// It returns (nil, nil) if the key does not exist.
func (d *CloudDatabase) Get(ctx context.Context, key limitdb.Key) (_ *limitdb.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if d.staleness > 0 {
		tx := d.client.Single().WithTimestampBound(spanner.ExactStaleness(d.staleness))
		defer tx.Close()

		record, err := readRecord(ctx, tx, key)
		if err != nil {
			return nil, wrap(err)
		}
		if record != nil {
			return record, nil
		}
		// The bounded read didn't return a record, but it might have just
		// been created, so fall through to a strong read.
	}

	tx := d.client.Single()
	defer tx.Close()

	record, err := readRecord(ctx, tx, key)
	if err != nil {
		return nil, wrap(err)
	}
	return record, nil
}

// Update runs fn inside a read-write transaction. Spanner retries aborted
// transactions itself, so the context deadline is the only bound.
func (d *CloudDatabase) Update(ctx context.Context, key limitdb.Key, fn limitdb.UpdateFunc) (err error) {
	defer mon.Task()(&ctx)(&err)

	var fnErr error
	t, err := d.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		fnErr = nil

		current, err := readRecord(ctx, txn, key)
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			return nil
		}

		return txn.BufferWrite([]*spanner.Mutation{spanner.InsertOrUpdate(table,
			append([]string{"key"}, columns...),
			[]interface{}{key.String(), next.Requests, next.FirstRequestAt, next.LastRequestAt, next.LastUpdate},
		)})
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return wrap(err)
	}

	d.log.Debug("updated", zap.Stringer("key", key), zap.Time("commit timestamp", t))

	return nil
}

// Delete removes the records with one batch of mutations.
// It is not an error if a key does not exist.
func (d *CloudDatabase) Delete(ctx context.Context, keys ...limitdb.Key) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		return nil
	}
	if err := limitdb.CheckBatch(len(keys)); err != nil {
		return err
	}

	ms := make([]*spanner.Mutation, 0, len(keys))
	for _, key := range keys {
		ms = append(ms, spanner.Delete(table, spanner.Key{key.String()}))
	}

	t, err := d.client.Apply(ctx, ms)
	if err != nil {
		return wrap(err)
	}

	d.log.Debug("deleted", zap.Int("count", len(keys)), zap.Time("commit timestamp", t))

	return nil
}

// List returns entries in key order using keyset pagination.
func (d *CloudDatabase) List(ctx context.Context, cursor string, limit int) (entries []limitdb.Entry, next string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := limitdb.CheckBatch(limit); err != nil {
		return nil, "", err
	}

	tx := d.client.Single()
	defer tx.Close()

	// One extra row tells whether another page exists.
	iter := tx.Query(ctx, spanner.Statement{
		SQL: `SELECT key, last_update FROM rate_limits
			WHERE key > @cursor
			ORDER BY key
			LIMIT @limit`,
		Params: map[string]interface{}{
			"cursor": cursor,
			"limit":  int64(limit + 1),
		},
	})
	defer iter.Stop()

	for {
		row, err := iter.Next()
		if errs.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, "", wrap(err)
		}

		if len(entries) == limit {
			next = entries[len(entries)-1].Key.String()
			break
		}

		var (
			k          string
			lastUpdate int64
		)
		if err := row.Columns(&k, &lastUpdate); err != nil {
			return nil, "", wrap(err)
		}

		key, err := limitdb.ParseKey(k)
		if err != nil {
			return nil, "", wrap(err)
		}
		entries = append(entries, limitdb.Entry{Key: key, LastUpdate: lastUpdate})
	}

	return entries, next, nil
}

// Ping ensures there's connectivity to the remote Cloud Spanner database
// and returns an error otherwise.
func (d *CloudDatabase) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx := d.client.Single()
	defer tx.Close()

	if _, err := tx.ReadRow(ctx, table, spanner.Key{""}, []string{"key"}); err != nil && !isRecordNotFound(err) {
		return Error.New("unable to read: %w", err)
	}
	return nil
}

// Run is a no-op.
func (d *CloudDatabase) Run(ctx context.Context) error {
	return nil
}

// Close closes the remote Cloud Spanner database.
func (d *CloudDatabase) Close() error {
	d.client.Close()
	return nil
}

type rowReader interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
}

func readRecord(ctx context.Context, r rowReader, key limitdb.Key) (*limitdb.Record, error) {
	row, err := r.ReadRow(ctx, table, spanner.Key{key.String()}, columns)
	if err != nil {
		if isRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	record := new(limitdb.Record)
	if err := row.Columns(&record.Requests, &record.FirstRequestAt, &record.LastRequestAt, &record.LastUpdate); err != nil {
		return nil, err
	}
	return record, nil
}

func isRecordNotFound(err error) bool {
	return spanner.ErrCode(err) == codes.NotFound
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if spanner.ErrCode(err) == codes.Aborted {
		err = limitdb.ConflictError.Wrap(err)
	}
	return limitdb.StoreError.Wrap(Error.Wrap(err))
}
