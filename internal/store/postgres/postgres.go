// Package postgres stores wallets, sessions, the catalog and the ledger in
// PostgreSQL. A settlement unit runs in one transaction that locks the
// session row before any wallet row, and wallet rows in id order.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pulsepay/pulsepay/internal/catalog"
	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

//go:embed schema.sql
var schema string

// Store implements wallet.Repository, session.Repository,
// catalog.Repository and ledger.Ledger on a pgx pool.
type Store struct {
	db *pgxpool.Pool
}

var (
	_ wallet.Repository  = (*Store)(nil)
	_ session.Repository = (*Store)(nil)
	_ catalog.Repository = (*Store)(nil)
	_ ledger.Ledger      = (*Store)(nil)
)

// New wraps an open pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC().Truncate(time.Microsecond)
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func metadataParam(meta map[string]string) any {
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Wallets

const walletColumns = `id, owner_type, owner_id, balance, locked_balance, currency, status,
        COALESCE(active_session_id::text, ''), COALESCE(rail_address, ''), sealed_credential, created_at, updated_at`

func scanWallet(row pgx.Row) (wallet.Wallet, error) {
	var w wallet.Wallet
	err := row.Scan(&w.ID, &w.OwnerType, &w.OwnerID, &w.Balance, &w.LockedBalance, &w.Currency, &w.Status,
		&w.ActiveSessionID, &w.RailAddress, &w.SealedCredential, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	if err != nil {
		return wallet.Wallet{}, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

// CreateWallet inserts a wallet record.
func (s *Store) CreateWallet(ctx context.Context, w wallet.Wallet) error {
	_, err := s.db.Exec(ctx, `INSERT INTO wallets (id, owner_type, owner_id, balance, locked_balance, currency, status, rail_address, sealed_credential, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.OwnerType, w.OwnerID, w.Balance, w.LockedBalance, w.Currency, w.Status,
		nullable(w.RailAddress), w.SealedCredential, stamp(w.CreatedAt), stamp(w.UpdatedAt))
	if isUniqueViolation(err) {
		return wallet.ErrExists
	}
	return err
}

// GetWallet fetches a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id string) (wallet.Wallet, error) {
	if _, err := uuid.Parse(id); err != nil {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

// GetWalletByRailAddress fetches a wallet by its checksummed rail address.
func (s *Store) GetWalletByRailAddress(ctx context.Context, address string) (wallet.Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE rail_address = $1`, address))
}

// SetWalletStatus updates the wallet status.
func (s *Store) SetWalletStatus(ctx context.Context, id string, status wallet.Status) error {
	if _, err := uuid.Parse(id); err != nil {
		return wallet.ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE wallets SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return wallet.ErrNotFound
	}
	return nil
}

// ClaimActiveSession sets the pointer with a single conditional update.
func (s *Store) ClaimActiveSession(ctx context.Context, walletID, sessionID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE wallets SET active_session_id = $2, updated_at = now()
        WHERE id = $1 AND active_session_id IS NULL`, walletID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, walletID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return wallet.ErrNotFound
	}
	return wallet.ErrClaimConflict
}

// ReleaseActiveSession clears the pointer if it still names sessionID.
func (s *Store) ReleaseActiveSession(ctx context.Context, walletID, sessionID string) error {
	return release(ctx, s.db, walletID, sessionID)
}

func release(ctx context.Context, q querier, walletID, sessionID string) error {
	tag, err := q.Exec(ctx, `UPDATE wallets SET active_session_id = NULL, updated_at = now()
        WHERE id = $1 AND active_session_id = $2`, walletID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current *string
	err = q.QueryRow(ctx, `SELECT active_session_id::text FROM wallets WHERE id = $1`, walletID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return wallet.ErrNotFound
	case err != nil:
		return err
	case current == nil:
		return nil
	default:
		return wallet.ErrStaleRelease
	}
}

// Catalog

// CreateStore inserts or replaces a store record.
func (s *Store) CreateStore(ctx context.Context, st catalog.Store) error {
	_, err := s.db.Exec(ctx, `INSERT INTO stores (id, name, category, wallet_id, active) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
            wallet_id = EXCLUDED.wallet_id, active = EXCLUDED.active`,
		st.ID, st.Name, st.Category, st.WalletID, st.Active)
	return err
}

// CreateService inserts or replaces a service record.
func (s *Store) CreateService(ctx context.Context, svc catalog.Service) error {
	_, err := s.db.Exec(ctx, `INSERT INTO services (id, store_id, name, rate_per_minute, rate_per_second, min_balance, active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, rate_per_minute = EXCLUDED.rate_per_minute,
            rate_per_second = EXCLUDED.rate_per_second, min_balance = EXCLUDED.min_balance, active = EXCLUDED.active`,
		svc.ID, svc.StoreID, svc.Name, svc.RatePerMinute.String(), svc.RatePerSecond, svc.MinBalance, svc.Active, stamp(svc.CreatedAt))
	return err
}

// GetStore fetches a store by id.
func (s *Store) GetStore(ctx context.Context, id string) (catalog.Store, error) {
	if _, err := uuid.Parse(id); err != nil {
		return catalog.Store{}, catalog.ErrStoreNotFound
	}
	var st catalog.Store
	err := s.db.QueryRow(ctx, `SELECT id, name, category, wallet_id, active FROM stores WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.Category, &st.WalletID, &st.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Store{}, catalog.ErrStoreNotFound
	}
	return st, err
}

// GetService fetches a service by id.
func (s *Store) GetService(ctx context.Context, id string) (catalog.Service, error) {
	if _, err := uuid.Parse(id); err != nil {
		return catalog.Service{}, catalog.ErrServiceNotFound
	}
	var (
		svc    catalog.Service
		perMin string
	)
	err := s.db.QueryRow(ctx, `SELECT id, store_id, name, rate_per_minute::text, rate_per_second, min_balance, active, created_at
        FROM services WHERE id = $1`, id).
		Scan(&svc.ID, &svc.StoreID, &svc.Name, &perMin, &svc.RatePerSecond, &svc.MinBalance, &svc.Active, &svc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Service{}, catalog.ErrServiceNotFound
	}
	if err != nil {
		return catalog.Service{}, err
	}
	svc.RatePerMinute, err = decimal.NewFromString(perMin)
	if err != nil {
		return catalog.Service{}, fmt.Errorf("parse rate for service %s: %w", id, err)
	}
	svc.CreatedAt = svc.CreatedAt.UTC()
	return svc, nil
}

// Ledger

const entryColumns = `id, seq, wallet_id, COALESCE(session_id::text, ''), direction, amount, reason, balance_after, metadata, created_at`

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var e ledger.Entry
	if err := row.Scan(&e.ID, &e.Seq, &e.WalletID, &e.SessionID, &e.Direction, &e.Amount, &e.Reason, &e.BalanceAfter, &e.Metadata, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Entry, error) {
		return scanEntry(row)
	})
}

// Transfer debits From and credits To in one transaction.
func (s *Store) Transfer(ctx context.Context, in ledger.TransferInput) (ledger.TransferResult, error) {
	var res ledger.TransferResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = transfer(ctx, tx, in)
		return err
	})
	return res, err
}

type lockedWallet struct {
	balance int64
	locked  int64
}

func transfer(ctx context.Context, tx pgx.Tx, in ledger.TransferInput) (ledger.TransferResult, error) {
	if in.Amount <= 0 {
		return ledger.TransferResult{}, ledger.ErrInvalidAmount
	}
	if in.FromWalletID == in.ToWalletID {
		return ledger.TransferResult{}, ledger.ErrSameWallet
	}
	if in.Cursor != nil {
		if err := checkCursor(ctx, tx, *in.Cursor); err != nil {
			return ledger.TransferResult{}, err
		}
	}

	rows, err := tx.Query(ctx, `SELECT id, balance, locked_balance FROM wallets WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		[]string{in.FromWalletID, in.ToWalletID})
	if err != nil {
		return ledger.TransferResult{}, err
	}
	locked := make(map[string]lockedWallet, 2)
	for rows.Next() {
		var (
			id string
			lw lockedWallet
		)
		if err := rows.Scan(&id, &lw.balance, &lw.locked); err != nil {
			rows.Close()
			return ledger.TransferResult{}, err
		}
		locked[id] = lw
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ledger.TransferResult{}, err
	}
	from, okFrom := locked[in.FromWalletID]
	_, okTo := locked[in.ToWalletID]
	if !okFrom || !okTo {
		return ledger.TransferResult{}, ledger.ErrWalletNotFound
	}
	if from.balance-from.locked < in.Amount {
		return ledger.TransferResult{}, ledger.ErrInsufficientFunds
	}

	at := stamp(in.At)
	fromBalance, err := adjust(ctx, tx, in.FromWalletID, -in.Amount, at)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	toBalance, err := adjust(ctx, tx, in.ToWalletID, in.Amount, at)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	debit, err := insertEntry(ctx, tx, ledger.Entry{
		WalletID: in.FromWalletID, SessionID: in.SessionID, Direction: ledger.Debit, Amount: in.Amount,
		Reason: in.Reason, BalanceAfter: fromBalance, Metadata: in.Metadata, CreatedAt: at,
	})
	if err != nil {
		return ledger.TransferResult{}, err
	}
	credit, err := insertEntry(ctx, tx, ledger.Entry{
		WalletID: in.ToWalletID, SessionID: in.SessionID, Direction: ledger.Credit, Amount: in.Amount,
		Reason: in.Reason, BalanceAfter: toBalance, Metadata: in.Metadata, CreatedAt: at,
	})
	if err != nil {
		return ledger.TransferResult{}, err
	}

	if c := in.Cursor; c != nil {
		tag, err := tx.Exec(ctx, `UPDATE stream_sessions
            SET last_billed_at = $2, total_amount = total_amount + $3, total_seconds = total_seconds + $4,
                version = version + 1, updated_at = $5
            WHERE id = $1 AND version = $6 AND status = 'ACTIVE'`,
			c.SessionID, stamp(c.BilledAt), in.Amount, c.Seconds, at, c.ExpectedVersion)
		if err != nil {
			return ledger.TransferResult{}, err
		}
		if tag.RowsAffected() != 1 {
			return ledger.TransferResult{}, ledger.ErrStaleCursor
		}
	}

	return ledger.TransferResult{Debit: debit, Credit: credit, FromBalance: fromBalance, ToBalance: toBalance}, nil
}

// checkCursor locks the session row and verifies it has not moved.
func checkCursor(ctx context.Context, tx pgx.Tx, c ledger.Cursor) error {
	var (
		status  session.Status
		version int64
	)
	err := tx.QueryRow(ctx, `SELECT status, version FROM stream_sessions WHERE id = $1 FOR UPDATE`, c.SessionID).Scan(&status, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != session.StatusActive || version != c.ExpectedVersion {
		return ledger.ErrStaleCursor
	}
	return nil
}

func adjust(ctx context.Context, tx pgx.Tx, walletID string, delta int64, at time.Time) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `UPDATE wallets SET balance = balance + $2, updated_at = $3 WHERE id = $1 RETURNING balance`,
		walletID, delta, at).Scan(&balance)
	return balance, err
}

func insertEntry(ctx context.Context, tx pgx.Tx, e ledger.Entry) (ledger.Entry, error) {
	e.ID = uuid.NewString()
	err := tx.QueryRow(ctx, `INSERT INTO ledger_entries (id, wallet_id, session_id, direction, amount, reason, balance_after, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING seq`,
		e.ID, e.WalletID, nullable(e.SessionID), e.Direction, e.Amount, e.Reason, e.BalanceAfter, metadataParam(e.Metadata), e.CreatedAt).
		Scan(&e.Seq)
	return e, err
}

// Post applies a single-sided posting.
func (s *Store) Post(ctx context.Context, in ledger.PostInput) (ledger.Entry, error) {
	if in.Amount <= 0 {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	if in.Direction != ledger.Debit && in.Direction != ledger.Credit {
		return ledger.Entry{}, fmt.Errorf("unknown direction %q", in.Direction)
	}
	var entry ledger.Entry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var lw lockedWallet
		err := tx.QueryRow(ctx, `SELECT balance, locked_balance FROM wallets WHERE id = $1 FOR UPDATE`, in.WalletID).Scan(&lw.balance, &lw.locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrWalletNotFound
		}
		if err != nil {
			return err
		}
		delta := in.Amount
		if in.Direction == ledger.Debit {
			if lw.balance-lw.locked < in.Amount {
				return ledger.ErrInsufficientFunds
			}
			delta = -in.Amount
		}
		at := stamp(in.At)
		balance, err := adjust(ctx, tx, in.WalletID, delta, at)
		if err != nil {
			return err
		}
		entry, err = insertEntry(ctx, tx, ledger.Entry{
			WalletID: in.WalletID, Direction: in.Direction, Amount: in.Amount, Reason: in.Reason,
			BalanceAfter: balance, Metadata: in.Metadata, CreatedAt: at,
		})
		return err
	})
	return entry, err
}

// Entries pages a wallet's entries newest first.
func (s *Store) Entries(ctx context.Context, walletID string, page ledger.Page) ([]ledger.Entry, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE wallet_id = $1`, walletID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE wallet_id = $1
        ORDER BY created_at DESC, seq DESC LIMIT NULLIF($2::int, 0) OFFSET $3`, walletID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	entries, err := collectEntries(rows)
	return entries, total, err
}

// SessionEntries returns a session's entries in commit order.
func (s *Store) SessionEntries(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// History returns a wallet's entries in [from, to], oldest first.
func (s *Store) History(ctx context.Context, walletID string, from, to time.Time) ([]ledger.Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE wallet_id = $1
          AND ($2::timestamptz IS NULL OR created_at >= $2)
          AND ($3::timestamptz IS NULL OR created_at <= $3)
        ORDER BY seq`, walletID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// Sessions

const sessionColumns = `id, payer_wallet_id, payee_wallet_id, service_id, store_id, rate_per_second, reason, status,
        started_at, last_billed_at, ended_at, total_amount, total_seconds, flow_ref, end_reason, rail_divergent, version, updated_at`

func scanSession(row pgx.Row) (session.Session, error) {
	var sess session.Session
	err := row.Scan(&sess.ID, &sess.PayerWalletID, &sess.PayeeWalletID, &sess.ServiceID, &sess.StoreID, &sess.RatePerSecond,
		&sess.Reason, &sess.Status, &sess.StartedAt, &sess.LastBilledAt, &sess.EndedAt, &sess.TotalAmount, &sess.TotalSeconds,
		&sess.FlowRef, &sess.EndReason, &sess.RailDivergent, &sess.Version, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.LastBilledAt = sess.LastBilledAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	if sess.EndedAt != nil {
		ended := sess.EndedAt.UTC()
		sess.EndedAt = &ended
	}
	return sess, nil
}

func collectSessions(rows pgx.Rows) ([]session.Session, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Session, error) {
		return scanSession(row)
	})
}

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	_, err := s.db.Exec(ctx, `INSERT INTO stream_sessions (id, payer_wallet_id, payee_wallet_id, service_id, store_id, rate_per_second,
            reason, status, started_at, last_billed_at, flow_ref, version, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.PayerWalletID, sess.PayeeWalletID, sess.ServiceID, sess.StoreID, sess.RatePerSecond,
		sess.Reason, sess.Status, stamp(sess.StartedAt), stamp(sess.LastBilledAt), sess.FlowRef, sess.Version, stamp(sess.UpdatedAt))
	if isUniqueViolation(err) {
		return session.ErrSessionConflict
	}
	return err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return session.Session{}, session.ErrNotFound
	}
	return scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE id = $1`, id))
}

// ActivateSession moves PENDING to ACTIVE with the flow reference and
// starts billing at at.
func (s *Store) ActivateSession(ctx context.Context, id, flowRef string, at time.Time) (session.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return session.Session{}, session.ErrNotFound
	}
	at = stamp(at)
	out, err := scanSession(s.db.QueryRow(ctx, `UPDATE stream_sessions
        SET status = 'ACTIVE', flow_ref = $2, started_at = $3, last_billed_at = $3, updated_at = $3, version = version + 1
        WHERE id = $1 AND status = 'PENDING'
        RETURNING `+sessionColumns, id, flowRef, at))
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, s.pendingMiss(ctx, id)
	}
	return out, err
}

// DeletePendingSession removes a session that never left PENDING and so
// never produced entries.
func (s *Store) DeletePendingSession(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return session.ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM stream_sessions
        WHERE id = $1 AND status = 'PENDING' AND total_amount = 0`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.pendingMiss(ctx, id)
	}
	return nil
}

// pendingMiss tells a missing session apart from one that left PENDING.
func (s *Store) pendingMiss(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stream_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return session.ErrNotFound
	}
	return session.ErrInvalidTransition
}

// SetSessionRailDivergent sets or clears the divergence flag.
func (s *Store) SetSessionRailDivergent(ctx context.Context, id string, divergent bool) error {
	return s.updateSession(ctx, `UPDATE stream_sessions SET rail_divergent = $2, updated_at = now() WHERE id = $1`, id, divergent)
}

func (s *Store) updateSession(ctx context.Context, sql, id string, value any) error {
	tag, err := s.db.Exec(ctx, sql, id, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// PauseSession moves ACTIVE to PAUSED.
func (s *Store) PauseSession(ctx context.Context, id string, expectedVersion int64, at time.Time) (session.Session, error) {
	return s.transition(ctx, id, expectedVersion, session.StatusActive, session.StatusPaused, false, at)
}

// ResumeSession moves PAUSED to ACTIVE and resets the billing cursor.
func (s *Store) ResumeSession(ctx context.Context, id string, expectedVersion int64, at time.Time) (session.Session, error) {
	return s.transition(ctx, id, expectedVersion, session.StatusPaused, session.StatusActive, true, at)
}

func (s *Store) transition(ctx context.Context, id string, expectedVersion int64, from, to session.Status, resetCursor bool, at time.Time) (session.Session, error) {
	var out session.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		status, version, _, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if version != expectedVersion {
			return ledger.ErrStaleCursor
		}
		if status != from {
			return session.ErrInvalidTransition
		}
		out, err = scanSession(tx.QueryRow(ctx, `UPDATE stream_sessions
            SET status = $2,
                last_billed_at = CASE WHEN $3::boolean THEN $4 ELSE last_billed_at END,
                updated_at = $4, version = version + 1
            WHERE id = $1
            RETURNING `+sessionColumns, id, to, resetCursor, stamp(at)))
		return err
	})
	return out, err
}

func lockSession(ctx context.Context, tx pgx.Tx, id string) (session.Status, int64, string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", 0, "", session.ErrNotFound
	}
	var (
		status  session.Status
		version int64
		payer   string
	)
	err := tx.QueryRow(ctx, `SELECT status, version, payer_wallet_id FROM stream_sessions WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &version, &payer)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, "", session.ErrNotFound
	}
	return status, version, payer, err
}

// EndSession applies the optional final settlement, marks the session
// ENDED and releases the payer pointer in one transaction.
func (s *Store) EndSession(ctx context.Context, in session.EndInput) (session.Session, *ledger.TransferResult, error) {
	var (
		out    session.Session
		result *ledger.TransferResult
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		status, version, payer, err := lockSession(ctx, tx, in.SessionID)
		if err != nil {
			return err
		}
		switch status {
		case session.StatusEnded:
			return session.ErrAlreadyEnded
		case session.StatusPending:
			return session.ErrInvalidTransition
		}
		if version != in.ExpectedVersion {
			return ledger.ErrStaleCursor
		}
		if in.Final != nil {
			res, err := transfer(ctx, tx, *in.Final)
			if err != nil {
				return err
			}
			result = &res
		}

		at := stamp(in.At)
		out, err = scanSession(tx.QueryRow(ctx, `UPDATE stream_sessions
            SET status = 'ENDED', ended_at = $2, end_reason = $3, updated_at = $2, version = version + 1
            WHERE id = $1
            RETURNING `+sessionColumns, in.SessionID, at, in.Reason))
		if err != nil {
			return err
		}
		if err := release(ctx, tx, payer, in.SessionID); err != nil && !errors.Is(err, wallet.ErrStaleRelease) {
			return err
		}
		return nil
	})
	if err != nil {
		return session.Session{}, nil, err
	}
	return out, result, nil
}

// ListSessionsByPayer pages a payer's sessions newest first.
func (s *Store) ListSessionsByPayer(ctx context.Context, walletID string, page ledger.Page) ([]session.Session, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM stream_sessions WHERE payer_wallet_id = $1`, walletID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE payer_wallet_id = $1
        ORDER BY started_at DESC, id DESC LIMIT NULLIF($2::int, 0) OFFSET $3`, walletID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	sessions, err := collectSessions(rows)
	return sessions, total, err
}

// ListSessionsByStatus returns sessions least recently billed first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status session.Status, limit int) ([]session.Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE status = $1
        ORDER BY last_billed_at LIMIT NULLIF($2::int, 0)`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListDivergentSessions returns ENDED sessions whose close did not land.
func (s *Store) ListDivergentSessions(ctx context.Context, limit int) ([]session.Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM stream_sessions
        WHERE status = 'ENDED' AND rail_divergent
        ORDER BY updated_at LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}
