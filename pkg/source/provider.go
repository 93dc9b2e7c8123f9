// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package source

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/datavision-labs/easystore/pkg/des"
	"github.com/datavision-labs/easystore/pkg/shard"

	// registered source database drivers
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// PendingFile is one claimed source row, ready for packing.
type PendingFile struct {
	Source    string
	ID        int64
	Bucket    string
	Key       string
	SizeBytes int64
	ShardID   uint32

	// Name is the pre-stamped archive name, empty when the row carries
	// none and the packer should mint one.
	Name string

	// Meta carries the configured metadata columns plus provenance
	// fields merged by the provider.
	Meta des.Meta
}

// ObjectFetcher downloads file bodies from the source object store.
type ObjectFetcher interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

type sourceDB struct {
	config   Config
	db       *sql.DB
	columns  []string // claim SELECT column list, fixed at startup
	metaKeys []string
}

// Provider claims pending rows from every enabled source database under
// dialect-appropriate locking and hands them to the packer.
//
// Claim-stamp columns (claimed_by, claimed_at) are written by this
// provider; claimed_at holds unix epoch milliseconds.
type Provider struct {
	log     *zap.Logger
	owner   string
	objects ObjectFetcher
	sources []*sourceDB
	now     func() time.Time
}

// NewProvider connects to every enabled source, verifies the configured
// column mapping against the live table, and returns the provider.
func NewProvider(ctx context.Context, log *zap.Logger, configs []Config, objects ObjectFetcher, owner string) (*Provider, error) {
	provider := &Provider{
		log:     log,
		owner:   owner,
		objects: objects,
		now:     time.Now,
	}

	for i := range configs {
		config := configs[i]
		if err := config.validate(); err != nil {
			_ = provider.Close()
			return nil, err
		}
		handle, err := sql.Open(config.Dialect.driverName(), config.DSN)
		if err != nil {
			_ = provider.Close()
			return nil, ErrConfig.New("source %s: %v", config.Name, err)
		}
		if config.Dialect == SQLite {
			handle.SetMaxOpenConns(1)
		}
		src := &sourceDB{config: config, db: handle}
		if err := src.reflect(ctx); err != nil {
			_ = handle.Close()
			_ = provider.Close()
			return nil, err
		}
		provider.sources = append(provider.sources, src)
		log.Info("source connected",
			zap.String("source", config.Name),
			zap.String("dialect", string(config.Dialect)),
			zap.String("table", config.tableRef()))
	}
	return provider, nil
}

// Close disconnects from all sources.
func (p *Provider) Close() error {
	var group errs.Group
	for _, src := range p.sources {
		group.Add(src.db.Close())
	}
	p.sources = nil
	return Error.Wrap(group.Err())
}

// TestingSetNow overrides the provider's clock, for tests.
func (p *Provider) TestingSetNow(now func() time.Time) { p.now = now }

// reflect verifies the mapped columns exist by selecting an empty result.
func (src *sourceDB) reflect(ctx context.Context) error {
	c := &src.config

	columns := []string{c.Columns.ID, c.Columns.Bucket, c.Columns.Key, c.Columns.SizeBytes}
	for _, optional := range []string{c.Columns.CreatedAt, c.Columns.ShardKey, c.Columns.Name} {
		if optional != "" {
			columns = append(columns, optional)
		}
	}
	for key := range c.MetadataColumns {
		src.metaKeys = append(src.metaKeys, key)
	}
	sort.Strings(src.metaKeys)
	for _, key := range src.metaKeys {
		columns = append(columns, c.MetadataColumns[key])
	}
	src.columns = columns

	// claim-stamp columns are not part of the claim SELECT but must
	// still exist
	probeColumns := columns
	for _, optional := range []string{c.Columns.ClaimedBy, c.Columns.ClaimedAt, c.Columns.ContainerID} {
		if optional != "" {
			probeColumns = append(probeColumns, optional)
		}
	}

	probe := fmt.Sprintf("SELECT %s FROM %s WHERE 1 = 0",
		joinColumns(probeColumns), c.tableRef())
	rows, err := src.db.QueryContext(ctx, probe)
	if err != nil {
		return ErrConfig.New("source %s: column mapping does not match table %s: %v",
			c.Name, c.tableRef(), err)
	}
	return Error.Wrap(errs.Combine(rows.Err(), rows.Close()))
}

func joinColumns(columns []string) string {
	out := ""
	for i, col := range columns {
		if i > 0 {
			out += ", "
		}
		out += col
	}
	return out
}

// Claim atomically claims up to limit pending rows routed to the given
// shards, walking the sources in configuration order until the batch is
// filled. Sources that error are skipped, not fatal.
func (p *Provider) Claim(ctx context.Context, shardIDs []uint32, limit int) (_ []PendingFile, err error) {
	defer mon.Task()(&ctx)(&err)

	wanted := make(map[uint32]bool, len(shardIDs))
	for _, id := range shardIDs {
		wanted[id] = true
	}

	var claimed []PendingFile
	for _, src := range p.sources {
		if len(claimed) >= limit {
			break
		}
		files, err := p.claimFromSource(ctx, src, wanted, limit-len(claimed))
		if err != nil {
			p.log.Error("claim failed, skipping source",
				zap.String("source", src.config.Name), zap.Error(err))
			mon.Counter("source_claim_errors").Inc(1)
			continue
		}
		claimed = append(claimed, files...)
	}
	mon.IntVal("source_claimed_batch").Observe(int64(len(claimed)))
	return claimed, nil
}

// claimFromSource runs one claim transaction: a locking SELECT over
// claimable rows, shard filtering, and the claim-stamp UPDATE.
//
// The shard is derived in process because the routing hash cannot run in
// SQL, so the SELECT oversamples and rows routed elsewhere are left
// untouched for their owners.
func (p *Provider) claimFromSource(ctx context.Context, src *sourceDB, wanted map[uint32]bool, limit int) (_ []PendingFile, err error) {
	c := &src.config
	now := p.now()

	tx, err := src.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	oversample := limit * 4
	if oversample < 64 {
		oversample = 64
	}

	query := rebind(c.Dialect, claimSelect(c, src.columns, oversample))
	args := []interface{}{c.StatusPending}
	if c.Columns.ClaimedAt != "" {
		args = append(args, c.StatusClaimed, now.Add(-c.claimTimeout()).UnixMilli())
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var files []PendingFile
	var ids []interface{}
	for rows.Next() {
		file, scanErr := src.scanPending(rows)
		if scanErr != nil {
			err = errs.Combine(scanErr, rows.Close())
			return nil, Error.Wrap(err)
		}
		if !wanted[file.ShardID] {
			continue
		}
		files = append(files, file)
		ids = append(ids, file.ID)
		if len(files) >= limit {
			break
		}
	}
	if err = errs.Combine(rows.Err(), rows.Close()); err != nil {
		return nil, Error.Wrap(err)
	}
	if len(files) == 0 {
		return nil, Error.Wrap(tx.Commit())
	}

	update := rebind(c.Dialect, claimUpdate(c, len(ids)))
	updateArgs := []interface{}{c.StatusClaimed}
	if c.Columns.ClaimedBy != "" {
		updateArgs = append(updateArgs, p.owner)
	}
	if c.Columns.ClaimedAt != "" {
		updateArgs = append(updateArgs, now.UnixMilli())
	}
	updateArgs = append(updateArgs, ids...)
	if _, err = tx.ExecContext(ctx, update, updateArgs...); err != nil {
		return nil, Error.Wrap(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, Error.Wrap(err)
	}
	return files, nil
}

// scanPending maps one claimable row to a PendingFile.
func (src *sourceDB) scanPending(rows *sql.Rows) (PendingFile, error) {
	c := &src.config

	var file PendingFile
	dest := []interface{}{&file.ID, &file.Bucket, &file.Key, &file.SizeBytes}

	var createdAt, shardKey, name sql.NullString
	if c.Columns.CreatedAt != "" {
		dest = append(dest, &createdAt)
	}
	if c.Columns.ShardKey != "" {
		dest = append(dest, &shardKey)
	}
	if c.Columns.Name != "" {
		dest = append(dest, &name)
	}
	metaVals := make([]sql.NullString, len(src.metaKeys))
	for i := range metaVals {
		dest = append(dest, &metaVals[i])
	}

	if err := rows.Scan(dest...); err != nil {
		return PendingFile{}, Error.Wrap(err)
	}

	file.Source = c.Name
	file.Name = name.String

	routing := file.Key
	if shardKey.Valid && shardKey.String != "" {
		routing = shardKey.String
	}
	file.ShardID = shard.Hash(routing, c.ShardBits)

	file.Meta = des.Meta{
		"source_db":       c.Name,
		"source_file_id":  file.ID,
		"original_bucket": file.Bucket,
		"original_key":    file.Key,
	}
	if createdAt.Valid && createdAt.String != "" {
		file.Meta["created_at"] = createdAt.String
	}
	for i, key := range src.metaKeys {
		if metaVals[i].Valid {
			file.Meta[key] = metaVals[i].String
		}
	}
	return file, nil
}

// Fetch downloads the file body from the source object store.
func (p *Provider) Fetch(ctx context.Context, file PendingFile) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := p.objects.Get(ctx, file.Bucket, file.Key)
	return data, Error.Wrap(err)
}

// MarkPacked records the terminal packed state for the given claims. The
// container linkage was already written by StampContainer; here only the
// row status (and the stamped name, when the table carries one) is
// written.
func (p *Provider) MarkPacked(ctx context.Context, files []PendingFile, containerID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	for _, file := range files {
		src := p.source(file.Source)
		if src == nil {
			group.Add(Error.New("unknown source %q", file.Source))
			continue
		}
		c := &src.config

		withName := c.Columns.Name != "" && file.Name != ""
		args := []interface{}{c.StatusPacked}
		if withName {
			args = append(args, file.Name)
		}
		args = append(args, file.ID)
		_, err := src.db.ExecContext(ctx, rebind(c.Dialect, markUpdate(c, withName)), args...)
		group.Add(Error.Wrap(err))
	}
	mon.Counter("source_files_packed").Inc(int64(len(files)))
	return group.Err()
}

// MarkFailed records the terminal failed state for one claim.
func (p *Provider) MarkFailed(ctx context.Context, file PendingFile, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	src := p.source(file.Source)
	if src == nil {
		return Error.New("unknown source %q", file.Source)
	}
	c := &src.config
	p.log.Warn("source file failed",
		zap.String("source", file.Source),
		zap.Int64("id", file.ID),
		zap.String("reason", reason))
	mon.Counter("source_files_failed").Inc(1)

	_, err = src.db.ExecContext(ctx, rebind(c.Dialect, markUpdate(c, false)), c.StatusFailed, file.ID)
	return Error.Wrap(err)
}

// StampContainer records which container a claimed row is being packed
// into, right after the row's bytes land in the writer. The stamp is what
// lets recovery tell a claim whose container committed from one whose
// work was lost. No-op when the table carries no container column.
func (p *Provider) StampContainer(ctx context.Context, file PendingFile, containerID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	src := p.source(file.Source)
	if src == nil {
		return Error.New("unknown source %q", file.Source)
	}
	c := &src.config
	if c.Columns.ContainerID == "" {
		return nil
	}
	_, err = src.db.ExecContext(ctx, rebind(c.Dialect, stampUpdate(c)), containerID, file.ID)
	return Error.Wrap(err)
}

// ResetStaleClaims reconciles claimed rows whose claim timed out or whose
// owner no longer holds any active lease. Rows whose stamped container
// reached COMMITTED are finished as packed (the crash happened after the
// commit but before mark-packed); every other stale claim reverts to
// pending. Returns how many rows were reverted and how many completed.
func (p *Provider) ResetStaleClaims(ctx context.Context, isActiveOwner func(owner string) bool, isCommitted func(containerID string) bool) (reset, completed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	for _, src := range p.sources {
		r, c, err := p.resetStaleClaimsIn(ctx, src, isActiveOwner, isCommitted)
		group.Add(err)
		reset += r
		completed += c
	}
	mon.Counter("source_claims_reset").Inc(reset)
	mon.Counter("source_claims_completed").Inc(completed)
	return reset, completed, group.Err()
}

func (p *Provider) resetStaleClaimsIn(ctx context.Context, src *sourceDB, isActiveOwner func(string) bool, isCommitted func(string) bool) (reset, completed int64, err error) {
	c := &src.config
	if c.Columns.ClaimedBy == "" || c.Columns.ClaimedAt == "" {
		// no claim stamps; nothing to reconcile in SQL
		return 0, 0, nil
	}

	toReset, toComplete, err := p.staleClaimIDs(ctx, src, isActiveOwner, isCommitted)
	if err != nil {
		return 0, 0, err
	}

	if len(toComplete) > 0 {
		args := append([]interface{}{c.StatusPacked, c.StatusClaimed}, toComplete...)
		res, err := src.db.ExecContext(ctx, rebind(c.Dialect, completeUpdate(c, len(toComplete))), args...)
		if err != nil {
			return 0, 0, Error.Wrap(err)
		}
		completed, _ = res.RowsAffected()
	}
	if len(toReset) > 0 {
		args := append([]interface{}{c.StatusPending, c.StatusClaimed}, toReset...)
		res, err := src.db.ExecContext(ctx, rebind(c.Dialect, resetUpdate(c, len(toReset))), args...)
		if err != nil {
			return 0, completed, Error.Wrap(err)
		}
		reset, _ = res.RowsAffected()
	}
	return reset, completed, nil
}

// staleClaimIDs splits the stale claims of one source into rows to revert
// and rows to finish. A claim is stale when it timed out or its owner
// holds no active lease; a stale claim whose stamped container committed
// must never go back to pending, or the file gets packed twice.
func (p *Provider) staleClaimIDs(ctx context.Context, src *sourceDB, isActiveOwner func(string) bool, isCommitted func(string) bool) (toReset, toComplete []interface{}, err error) {
	c := &src.config

	columns := fmt.Sprintf("%s, %s, %s", c.Columns.ID, c.Columns.ClaimedBy, c.Columns.ClaimedAt)
	if c.Columns.ContainerID != "" {
		columns += ", " + c.Columns.ContainerID
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", columns, c.tableRef(), c.Columns.Status)
	rows, err := src.db.QueryContext(ctx, rebind(c.Dialect, query), c.StatusClaimed)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Close())) }()

	cutoff := p.now().Add(-c.claimTimeout()).UnixMilli()
	for rows.Next() {
		var id int64
		var claimedBy, container sql.NullString
		var claimedAt sql.NullInt64
		dest := []interface{}{&id, &claimedBy, &claimedAt}
		if c.Columns.ContainerID != "" {
			dest = append(dest, &container)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, Error.Wrap(err)
		}

		timedOut := claimedAt.Valid && claimedAt.Int64 < cutoff
		ownerGone := !claimedBy.Valid || claimedBy.String == "" ||
			isActiveOwner == nil || !isActiveOwner(claimedBy.String)
		if !timedOut && !ownerGone {
			continue
		}

		if container.Valid && container.String != "" &&
			isCommitted != nil && isCommitted(container.String) {
			toComplete = append(toComplete, id)
			continue
		}
		toReset = append(toReset, id)
	}
	return toReset, toComplete, Error.Wrap(rows.Err())
}

// Stats returns per-source row counts grouped by status.
func (p *Provider) Stats(ctx context.Context) (_ map[string]map[string]int64, err error) {
	defer mon.Task()(&ctx)(&err)

	stats := map[string]map[string]int64{}
	for _, src := range p.sources {
		c := &src.config
		query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s",
			c.Columns.Status, c.tableRef(), c.Columns.Status)
		rows, err := src.db.QueryContext(ctx, query)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		byStatus := map[string]int64{}
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return nil, Error.Wrap(errs.Combine(err, rows.Close()))
			}
			byStatus[status] = count
		}
		if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
			return nil, Error.Wrap(err)
		}
		stats[c.Name] = byStatus
	}
	return stats, nil
}

func (p *Provider) source(name string) *sourceDB {
	for _, src := range p.sources {
		if src.config.Name == name {
			return src
		}
	}
	return nil
}
