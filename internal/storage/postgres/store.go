package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store provides Postgres persistence for the ledger cache.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, q: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a database transaction. Nested calls reuse the outer one.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{q: tx})
	})
}

const eventColumns = `id, block_hash, tx_hash, log_index, transaction_index, block_number, address, kind,
	return_values, topics, data, confirmations, status, error, created_at, updated_at`

func (s *Store) UpsertEvent(ctx context.Context, e *model.Event) (bool, error) {
	returnValues, err := json.Marshal(nonNilStrings(e.ReturnValues))
	if err != nil {
		return false, fmt.Errorf("marshal return values: %w", err)
	}
	topics, err := json.Marshal(nonNilStrings(e.Topics))
	if err != nil {
		return false, fmt.Errorf("marshal topics: %w", err)
	}

	var inserted bool
	err = s.q.QueryRow(ctx, `
		INSERT INTO events (
			id, block_hash, tx_hash, log_index, transaction_index, block_number, address, kind,
			return_values, topics, data, confirmations, status, error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10::jsonb,$11,$12,$13,$14,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			confirmations = GREATEST(events.confirmations, EXCLUDED.confirmations),
			updated_at = now()
		WHERE events.status NOT IN ('Processed', 'Failed')
		RETURNING (xmax = 0)
	`,
		e.ID,
		e.BlockHash,
		e.TxHash,
		int64(e.LogIndex),
		int64(e.TransactionIndex),
		int64(e.BlockNumber),
		e.Address,
		e.Kind.String(),
		string(returnValues),
		string(topics),
		e.Data,
		int64(e.Confirmations),
		string(e.Status),
		e.Error,
	).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return inserted, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	rows, err := s.q.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storage.ErrNotFound
	}
	return events[0], nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	return err
}

func (s *Store) ListEventsByStatus(ctx context.Context, statuses ...model.EventStatus) ([]*model.Event, error) {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	rows, err := s.q.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status = ANY($1)
		ORDER BY block_number, transaction_index, log_index
	`, names)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) ListEventsByTx(ctx context.Context, txHash string) ([]*model.Event, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE lower(tx_hash) = lower($1)
		ORDER BY block_number, transaction_index, log_index
	`, txHash)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) TransitionEvent(ctx context.Context, id string, from []model.EventStatus, to model.EventStatus, errText string) (bool, error) {
	names := make([]string, 0, len(from))
	for _, status := range from {
		names = append(names, string(status))
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE events SET status = $2, error = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, id, string(to), errText, names)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, storage.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) SetConfirmations(ctx context.Context, id string, confirmations uint64) error {
	tag, err := s.q.Exec(ctx, `UPDATE events SET confirmations = $2, updated_at = now() WHERE id = $1`, id, int64(confirmations))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanEvents(rows pgx.Rows) ([]*model.Event, error) {
	defer rows.Close()
	out := make([]*model.Event, 0)
	for rows.Next() {
		var (
			e                                 model.Event
			logIndex, txIndex, block, confirm int64
			kind, status                      string
			returnValues, topics              []byte
		)
		if err := rows.Scan(
			&e.ID, &e.BlockHash, &e.TxHash, &logIndex, &txIndex, &block, &e.Address, &kind,
			&returnValues, &topics, &e.Data, &confirm, &status, &e.Error, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		parsed, err := model.ParseEventKind(kind)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(returnValues, &e.ReturnValues); err != nil {
			return nil, fmt.Errorf("decode return values: %w", err)
		}
		if err := json.Unmarshal(topics, &e.Topics); err != nil {
			return nil, fmt.Errorf("decode topics: %w", err)
		}
		e.Kind = parsed
		e.Status = model.EventStatus(status)
		e.LogIndex = uint64(logIndex)
		e.TransactionIndex = uint64(txIndex)
		e.BlockNumber = uint64(block)
		e.Confirmations = uint64(confirm)
		out = append(out, &e)
	}
	return out, rows.Err()
}

const donationColumns = `id, giver_address, owner_type, owner_id, owner_admin_id,
	delegate_type, delegate_id, delegate_admin_id, intended_type, intended_id, intended_admin_id,
	pledge_id, token, amount::text, amount_remaining::text, pending_amount_remaining::text,
	parent_donations, status, tx_hash, mined, is_return, source_event, commit_time, created_at, updated_at`

func (s *Store) CreateDonation(ctx context.Context, d *model.Donation) error {
	args := donationArgs(d)
	_, err := s.q.Exec(ctx, `
		INSERT INTO donations (
			id, giver_address, owner_type, owner_id, owner_admin_id,
			delegate_type, delegate_id, delegate_admin_id, intended_type, intended_id, intended_admin_id,
			pledge_id, token, amount, amount_remaining, pending_amount_remaining,
			parent_donations, status, tx_hash, mined, is_return, source_event, commit_time,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::numeric,$15::numeric,$16::numeric,
			$17,$18,$19,$20,$21,$22,$23,COALESCE($24, now()),now())
	`, args...)
	return err
}

func (s *Store) UpdateDonation(ctx context.Context, d *model.Donation) error {
	args := donationArgs(d)[:23]
	tag, err := s.q.Exec(ctx, `
		UPDATE donations SET
			giver_address = $2, owner_type = $3, owner_id = $4, owner_admin_id = $5,
			delegate_type = $6, delegate_id = $7, delegate_admin_id = $8,
			intended_type = $9, intended_id = $10, intended_admin_id = $11,
			pledge_id = $12, token = $13, amount = $14::numeric, amount_remaining = $15::numeric,
			pending_amount_remaining = $16::numeric, parent_donations = $17, status = $18,
			tx_hash = $19, mined = $20, is_return = $21, source_event = $22, commit_time = $23,
			updated_at = now()
		WHERE id = $1
	`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func donationArgs(d *model.Donation) []any {
	var delegateType, delegateID, intendedType, intendedID *string
	if d.Delegate != nil {
		kind, id := string(d.Delegate.Kind), d.Delegate.ID
		delegateType, delegateID = &kind, &id
	}
	if d.Intended != nil {
		kind, id := string(d.Intended.Kind), d.Intended.ID
		intendedType, intendedID = &kind, &id
	}
	var pending *string
	if d.PendingAmountRemaining != nil {
		v := d.PendingAmountRemaining.String()
		pending = &v
	}
	var commitTime *time.Time
	if !d.CommitTime.IsZero() {
		t := d.CommitTime
		commitTime = &t
	}
	var createdAt *time.Time
	if !d.CreatedAt.IsZero() {
		t := d.CreatedAt
		createdAt = &t
	}
	parents := d.ParentDonations
	if parents == nil {
		parents = []string{}
	}
	return []any{
		d.ID,
		d.GiverAddress,
		string(d.Owner.Kind),
		d.Owner.ID,
		int64(d.OwnerAdminID),
		delegateType,
		delegateID,
		int64(d.DelegateAdminID),
		intendedType,
		intendedID,
		int64(d.IntendedAdminID),
		int64(d.PledgeID),
		d.Token,
		bigString(d.Amount),
		bigString(d.AmountRemaining),
		pending,
		parents,
		string(d.Status),
		d.TxHash,
		d.Mined,
		d.IsReturn,
		d.SourceEvent,
		commitTime,
		createdAt,
	}
}

func (s *Store) GetDonation(ctx context.Context, id string) (*model.Donation, error) {
	rows, err := s.q.Query(ctx, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	donations, err := scanDonations(rows)
	if err != nil {
		return nil, err
	}
	if len(donations) == 0 {
		return nil, storage.ErrNotFound
	}
	return donations[0], nil
}

func (s *Store) FindDonations(ctx context.Context, filter storage.DonationFilter) ([]*model.Donation, error) {
	where, args := donationWhere(filter)
	rows, err := s.q.Query(ctx, `SELECT `+donationColumns+` FROM donations`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return scanDonations(rows)
}

type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, values ...any) {
	for _, v := range values {
		c.args = append(c.args, v)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(c.args)), 1)
	}
	c.clauses = append(c.clauses, clause)
}

func (c *conditions) sql() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func donationWhere(f storage.DonationFilter) (string, []any) {
	var c conditions
	if len(f.IDs) > 0 {
		c.add("id = ANY(?)", f.IDs)
	}
	if f.PledgeID != nil {
		c.add("pledge_id = ?", int64(*f.PledgeID))
	}
	if f.TxHash != "" {
		c.add("lower(tx_hash) = lower(?)", f.TxHash)
	}
	if len(f.Statuses) > 0 {
		names := make([]string, 0, len(f.Statuses))
		for _, status := range f.Statuses {
			names = append(names, string(status))
		}
		c.add("status = ANY(?)", names)
	}
	if f.Mined != nil {
		c.add("mined = ?", *f.Mined)
	}
	if f.Owner != nil {
		c.add("owner_type = ? AND owner_id = ?", string(f.Owner.Kind), f.Owner.ID)
	}
	if f.Touching != nil {
		kind, id := string(f.Touching.Kind), f.Touching.ID
		c.add("((owner_type = ? AND owner_id = ?) OR (delegate_type = ? AND delegate_id = ?) OR (intended_type = ? AND intended_id = ?))",
			kind, id, kind, id, kind, id)
	}
	if f.GiverAddress != "" {
		c.add("lower(giver_address) = lower(?)", f.GiverAddress)
	}
	if f.SourceEvent != "" {
		c.add("source_event = ?", f.SourceEvent)
	}
	if f.HasRemaining {
		c.add("amount_remaining > 0")
	}
	return c.sql(), c.args
}

func scanDonations(rows pgx.Rows) ([]*model.Donation, error) {
	defer rows.Close()
	out := make([]*model.Donation, 0)
	for rows.Next() {
		var (
			d                                        model.Donation
			ownerType, status                        string
			ownerAdmin, delegateAdmin, intendedAdmin int64
			pledgeID                                 int64
			delegateType, delegateID                 *string
			intendedType, intendedID                 *string
			amount, remaining                        string
			pending                                  *string
			commitTime                               *time.Time
		)
		if err := rows.Scan(
			&d.ID, &d.GiverAddress, &ownerType, &d.Owner.ID, &ownerAdmin,
			&delegateType, &delegateID, &delegateAdmin, &intendedType, &intendedID, &intendedAdmin,
			&pledgeID, &d.Token, &amount, &remaining, &pending,
			&d.ParentDonations, &status, &d.TxHash, &d.Mined, &d.IsReturn, &d.SourceEvent, &commitTime,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		d.Owner.Kind = model.EntityKind(ownerType)
		d.OwnerAdminID = uint64(ownerAdmin)
		d.DelegateAdminID = uint64(delegateAdmin)
		d.IntendedAdminID = uint64(intendedAdmin)
		d.PledgeID = uint64(pledgeID)
		d.Status = model.DonationStatus(status)
		if delegateType != nil && delegateID != nil {
			d.Delegate = &model.EntityRef{Kind: model.EntityKind(*delegateType), ID: *delegateID}
		}
		if intendedType != nil && intendedID != nil {
			d.Intended = &model.EntityRef{Kind: model.EntityKind(*intendedType), ID: *intendedID}
		}
		var err error
		if d.Amount, err = parseBig(amount); err != nil {
			return nil, err
		}
		if d.AmountRemaining, err = parseBig(remaining); err != nil {
			return nil, err
		}
		if pending != nil {
			if d.PendingAmountRemaining, err = parseBig(*pending); err != nil {
				return nil, err
			}
		}
		if commitTime != nil {
			d.CommitTime = *commitTime
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) UpsertAdmin(ctx context.Context, admin model.PledgeAdmin) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO pledge_admins (id, kind, entity_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind, entity_id = EXCLUDED.entity_id, updated_at = now()
	`, int64(admin.ID), string(admin.Kind), admin.EntityID)
	return err
}

func (s *Store) GetAdmin(ctx context.Context, id uint64) (model.PledgeAdmin, error) {
	var (
		admin model.PledgeAdmin
		kind  string
	)
	row := s.q.QueryRow(ctx, `SELECT kind, entity_id, updated_at FROM pledge_admins WHERE id = $1`, int64(id))
	if err := row.Scan(&kind, &admin.EntityID, &admin.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PledgeAdmin{}, storage.ErrNotFound
		}
		return model.PledgeAdmin{}, err
	}
	admin.ID = id
	admin.Kind = model.EntityKind(kind)
	return admin, nil
}

func (s *Store) SaveEntity(ctx context.Context, e model.Entity) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	base := e.Base()
	_, err = s.q.Exec(ctx, `
		INSERT INTO entities (
			kind, id, status, tx_hash, mined, plugin_address, owner_address, parent_id, payload, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,now(),now())
		ON CONFLICT (kind, id) DO UPDATE SET
			status = EXCLUDED.status,
			tx_hash = EXCLUDED.tx_hash,
			mined = EXCLUDED.mined,
			plugin_address = EXCLUDED.plugin_address,
			owner_address = EXCLUDED.owner_address,
			parent_id = EXCLUDED.parent_id,
			payload = EXCLUDED.payload,
			updated_at = now()
	`,
		string(e.Ref().Kind),
		base.ID,
		string(base.Status),
		base.TxHash,
		base.Mined,
		model.PluginAddress(e),
		base.OwnerAddress,
		model.ParentID(e),
		string(payload),
	)
	return err
}

func (s *Store) GetEntity(ctx context.Context, ref model.EntityRef) (model.Entity, error) {
	entities, err := s.queryEntities(ctx, ` WHERE kind = $1 AND id = $2`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, storage.ErrNotFound
	}
	return entities[0], nil
}

func (s *Store) FindEntities(ctx context.Context, f storage.EntityFilter) ([]model.Entity, error) {
	var c conditions
	if f.Kind != "" {
		c.add("kind = ?", string(f.Kind))
	}
	if f.TxHash != "" {
		c.add("lower(tx_hash) = lower(?)", f.TxHash)
	}
	if f.PluginAddress != "" {
		c.add("lower(plugin_address) = lower(?)", f.PluginAddress)
	}
	if f.OwnerAddress != "" {
		c.add("lower(owner_address) = lower(?)", f.OwnerAddress)
	}
	if f.ParentID != "" {
		c.add("parent_id = ?", f.ParentID)
	}
	if len(f.Statuses) > 0 {
		names := make([]string, 0, len(f.Statuses))
		for _, status := range f.Statuses {
			names = append(names, string(status))
		}
		c.add("status = ANY(?)", names)
	}
	if f.Mined != nil {
		c.add("mined = ?", *f.Mined)
	}
	return s.queryEntities(ctx, c.sql(), c.args...)
}

func (s *Store) queryEntities(ctx context.Context, where string, args ...any) ([]model.Entity, error) {
	rows, err := s.q.Query(ctx, `SELECT kind, payload, created_at, updated_at FROM entities`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Entity, 0)
	for rows.Next() {
		var (
			kind                 string
			payload              []byte
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&kind, &payload, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		entity, err := model.UnmarshalEntity(model.EntityKind(kind), payload)
		if err != nil {
			return nil, err
		}
		entity.Base().CreatedAt = createdAt
		entity.Base().UpdatedAt = updatedAt
		out = append(out, entity)
	}
	return out, rows.Err()
}

// SaveCounters replaces all counters for an entity.
func (s *Store) SaveCounters(ctx context.Context, entity model.EntityRef, counters []model.EntityCounter) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM entity_counters WHERE entity_kind = $1 AND entity_id = $2`, string(entity.Kind), entity.ID)
	for _, c := range counters {
		batch.Queue(`
			INSERT INTO entity_counters (
				entity_kind, entity_id, token, symbol, total_donated, current_balance, donation_count, updated_at
			) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, now())
		`,
			string(entity.Kind),
			entity.ID,
			c.Token,
			c.Symbol,
			bigString(c.TotalDonated),
			bigString(c.CurrentBalance),
			c.DonationCount,
		)
	}

	br := s.q.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetCounters(ctx context.Context, entity model.EntityRef) ([]model.EntityCounter, error) {
	rows, err := s.q.Query(ctx, `
		SELECT token, symbol, total_donated::text, current_balance::text, donation_count, updated_at
		FROM entity_counters WHERE entity_kind = $1 AND entity_id = $2 ORDER BY token
	`, string(entity.Kind), entity.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.EntityCounter, 0)
	for rows.Next() {
		var (
			c              model.EntityCounter
			total, balance string
		)
		if err := rows.Scan(&c.Token, &c.Symbol, &total, &balance, &c.DonationCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Entity = entity
		if c.TotalDonated, err = parseBig(total); err != nil {
			return nil, err
		}
		if c.CurrentBalance, err = parseBig(balance); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SavePayment(ctx context.Context, p *model.Payment) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO payments (id, pledge_id, destination, token, amount, status, tx_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			pledge_id = EXCLUDED.pledge_id,
			destination = EXCLUDED.destination,
			token = EXCLUDED.token,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			tx_hash = EXCLUDED.tx_hash,
			updated_at = now()
	`, int64(p.ID), int64(p.PledgeID), p.Destination, p.Token, bigString(p.Amount), string(p.Status), p.TxHash)
	return err
}

func (s *Store) GetPayment(ctx context.Context, id uint64) (*model.Payment, error) {
	var (
		p              model.Payment
		pledgeID       int64
		amount, status string
	)
	row := s.q.QueryRow(ctx, `
		SELECT pledge_id, destination, token, amount::text, status, tx_hash, updated_at
		FROM payments WHERE id = $1
	`, int64(id))
	if err := row.Scan(&pledgeID, &p.Destination, &p.Token, &amount, &status, &p.TxHash, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	p.ID = id
	p.PledgeID = uint64(pledgeID)
	p.Status = model.PaymentStatus(status)
	amt, err := parseBig(amount)
	if err != nil {
		return nil, err
	}
	p.Amount = amt
	return &p, nil
}

// LoadState returns the stored value for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var value int64
	row := s.q.QueryRow(ctx, `SELECT value FROM indexer_state WHERE name=$1`, name)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(value), true, nil
}

// SaveState upserts the value for a name.
func (s *Store) SaveState(ctx context.Context, name string, value uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO indexer_state (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, name, int64(value))
	return err
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(value string) (*big.Int, error) {
	if value == "" {
		return new(big.Int), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric: %s", value)
	}
	return parsed, nil
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
