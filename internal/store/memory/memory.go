// Package memory is a concurrency-safe in-process store for wallets,
// sessions, the catalog and the ledger. A single mutex serialises every
// mutation so a settlement unit spans all collections atomically.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/catalog"
	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

// Store implements wallet.Repository, session.Repository,
// catalog.Repository and ledger.Ledger.
type Store struct {
	mu        sync.RWMutex
	wallets   map[string]wallet.Wallet
	byAddress map[string]string
	sessions  map[string]session.Session
	stores    map[string]catalog.Store
	services  map[string]catalog.Service
	entries   []ledger.Entry
	seq       int64
}

var (
	_ wallet.Repository  = (*Store)(nil)
	_ session.Repository = (*Store)(nil)
	_ catalog.Repository = (*Store)(nil)
	_ ledger.Ledger      = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		wallets:   make(map[string]wallet.Wallet),
		byAddress: make(map[string]string),
		sessions:  make(map[string]session.Session),
		stores:    make(map[string]catalog.Store),
		services:  make(map[string]catalog.Service),
	}
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Wallets

func (s *Store) CreateWallet(_ context.Context, w wallet.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[w.ID]; exists {
		return wallet.ErrExists
	}
	if w.RailAddress != "" {
		if _, taken := s.byAddress[w.RailAddress]; taken {
			return wallet.ErrExists
		}
		s.byAddress[w.RailAddress] = w.ID
	}
	s.wallets[w.ID] = w
	return nil
}

func (s *Store) GetWallet(_ context.Context, id string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	return w, nil
}

func (s *Store) GetWalletByRailAddress(_ context.Context, address string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[address]
	if !ok {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	return s.wallets[id], nil
}

func (s *Store) SetWalletStatus(_ context.Context, id string, status wallet.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return wallet.ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	s.wallets[id] = w
	return nil
}

func (s *Store) ClaimActiveSession(_ context.Context, walletID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return wallet.ErrNotFound
	}
	if w.ActiveSessionID != "" {
		return wallet.ErrClaimConflict
	}
	w.ActiveSessionID = sessionID
	s.wallets[walletID] = w
	return nil
}

func (s *Store) ReleaseActiveSession(_ context.Context, walletID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(walletID, sessionID)
}

func (s *Store) release(walletID, sessionID string) error {
	w, ok := s.wallets[walletID]
	if !ok {
		return wallet.ErrNotFound
	}
	switch w.ActiveSessionID {
	case "":
		return nil
	case sessionID:
		w.ActiveSessionID = ""
		s.wallets[walletID] = w
		return nil
	default:
		return wallet.ErrStaleRelease
	}
}

// Catalog

func (s *Store) CreateStore(_ context.Context, st catalog.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
	return nil
}

func (s *Store) CreateService(_ context.Context, svc catalog.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc
	return nil
}

func (s *Store) GetStore(_ context.Context, id string) (catalog.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[id]
	if !ok {
		return catalog.Store{}, catalog.ErrStoreNotFound
	}
	return st, nil
}

func (s *Store) GetService(_ context.Context, id string) (catalog.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return catalog.Service{}, catalog.ErrServiceNotFound
	}
	return svc, nil
}

// Ledger

func (s *Store) Transfer(_ context.Context, in ledger.TransferInput) (ledger.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTransfer(in); err != nil {
		return ledger.TransferResult{}, err
	}
	return s.applyTransfer(in), nil
}

// checkTransfer validates without mutating anything.
func (s *Store) checkTransfer(in ledger.TransferInput) error {
	if in.Amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	if in.FromWalletID == in.ToWalletID {
		return ledger.ErrSameWallet
	}
	from, ok := s.wallets[in.FromWalletID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if _, ok := s.wallets[in.ToWalletID]; !ok {
		return ledger.ErrWalletNotFound
	}
	if in.Cursor != nil {
		sess, ok := s.sessions[in.Cursor.SessionID]
		if !ok {
			return session.ErrNotFound
		}
		if sess.Status != session.StatusActive || sess.Version != in.Cursor.ExpectedVersion {
			return ledger.ErrStaleCursor
		}
	}
	if from.Available() < in.Amount {
		return ledger.ErrInsufficientFunds
	}
	return nil
}

func (s *Store) applyTransfer(in ledger.TransferInput) ledger.TransferResult {
	at := stamp(in.At)
	from := s.wallets[in.FromWalletID]
	to := s.wallets[in.ToWalletID]

	from.Balance -= in.Amount
	from.UpdatedAt = at
	to.Balance += in.Amount
	to.UpdatedAt = at
	s.wallets[from.ID] = from
	s.wallets[to.ID] = to

	debit := s.appendEntry(from.ID, in.SessionID, ledger.Debit, in.Amount, in.Reason, from.Balance, in.Metadata, at)
	credit := s.appendEntry(to.ID, in.SessionID, ledger.Credit, in.Amount, in.Reason, to.Balance, in.Metadata, at)

	if in.Cursor != nil {
		sess := s.sessions[in.Cursor.SessionID]
		sess.LastBilledAt = in.Cursor.BilledAt
		sess.TotalAmount += in.Amount
		sess.TotalSeconds += in.Cursor.Seconds
		sess.Version++
		sess.UpdatedAt = at
		s.sessions[sess.ID] = sess
	}

	return ledger.TransferResult{Debit: debit, Credit: credit, FromBalance: from.Balance, ToBalance: to.Balance}
}

func (s *Store) appendEntry(walletID, sessionID string, dir ledger.Direction, amount int64, reason ledger.Reason, balanceAfter int64, meta map[string]string, at time.Time) ledger.Entry {
	s.seq++
	e := ledger.Entry{
		ID:           uuid.NewString(),
		Seq:          s.seq,
		WalletID:     walletID,
		SessionID:    sessionID,
		Direction:    dir,
		Amount:       amount,
		Reason:       reason,
		BalanceAfter: balanceAfter,
		Metadata:     copyMetadata(meta),
		CreatedAt:    at,
	}
	s.entries = append(s.entries, e)
	return e
}

func (s *Store) Post(_ context.Context, in ledger.PostInput) (ledger.Entry, error) {
	if in.Amount <= 0 {
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[in.WalletID]
	if !ok {
		return ledger.Entry{}, ledger.ErrWalletNotFound
	}
	at := stamp(in.At)
	switch in.Direction {
	case ledger.Debit:
		if w.Available() < in.Amount {
			return ledger.Entry{}, ledger.ErrInsufficientFunds
		}
		w.Balance -= in.Amount
	case ledger.Credit:
		w.Balance += in.Amount
	default:
		return ledger.Entry{}, ledger.ErrInvalidAmount
	}
	w.UpdatedAt = at
	s.wallets[w.ID] = w
	return s.appendEntry(w.ID, "", in.Direction, in.Amount, in.Reason, w.Balance, in.Metadata, at), nil
}

func (s *Store) Entries(_ context.Context, walletID string, page ledger.Page) ([]ledger.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []ledger.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].WalletID == walletID {
			matched = append(matched, s.entries[i])
		}
	}
	return paginate(matched, page), len(matched), nil
}

func (s *Store) SessionEntries(_ context.Context, sessionID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) History(_ context.Context, walletID string, from, to time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.WalletID != walletID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func paginate[T any](items []T, page ledger.Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}

// Sessions

func (s *Store) CreateSession(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return session.ErrSessionConflict
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ActivateSession(_ context.Context, id, flowRef string, at time.Time) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if sess.Status != session.StatusPending {
		return session.Session{}, session.ErrInvalidTransition
	}
	at = stamp(at)
	sess.Status = session.StatusActive
	sess.FlowRef = flowRef
	sess.StartedAt = at
	sess.LastBilledAt = at
	sess.UpdatedAt = at
	sess.Version++
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) DeletePendingSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if sess.Status != session.StatusPending || sess.TotalAmount != 0 {
		return session.ErrInvalidTransition
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) SetSessionRailDivergent(_ context.Context, id string, divergent bool) error {
	return s.updateSession(id, func(sess *session.Session) { sess.RailDivergent = divergent })
}

func (s *Store) updateSession(id string, mutate func(*session.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	mutate(&sess)
	s.sessions[id] = sess
	return nil
}

func (s *Store) PauseSession(_ context.Context, id string, expectedVersion int64, at time.Time) (session.Session, error) {
	return s.transition(id, expectedVersion, session.StatusActive, func(sess *session.Session) {
		sess.Status = session.StatusPaused
		sess.UpdatedAt = at
	})
}

func (s *Store) ResumeSession(_ context.Context, id string, expectedVersion int64, at time.Time) (session.Session, error) {
	return s.transition(id, expectedVersion, session.StatusPaused, func(sess *session.Session) {
		sess.Status = session.StatusActive
		sess.LastBilledAt = at
		sess.UpdatedAt = at
	})
}

func (s *Store) transition(id string, expectedVersion int64, from session.Status, mutate func(*session.Session)) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if sess.Version != expectedVersion {
		return session.Session{}, ledger.ErrStaleCursor
	}
	if sess.Status != from {
		return session.Session{}, session.ErrInvalidTransition
	}
	mutate(&sess)
	sess.Version++
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) EndSession(_ context.Context, in session.EndInput) (session.Session, *ledger.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[in.SessionID]
	if !ok {
		return session.Session{}, nil, session.ErrNotFound
	}
	switch sess.Status {
	case session.StatusEnded:
		return session.Session{}, nil, session.ErrAlreadyEnded
	case session.StatusPending:
		return session.Session{}, nil, session.ErrInvalidTransition
	}
	if sess.Version != in.ExpectedVersion {
		return session.Session{}, nil, ledger.ErrStaleCursor
	}

	var result *ledger.TransferResult
	if in.Final != nil {
		if err := s.checkTransfer(*in.Final); err != nil {
			return session.Session{}, nil, err
		}
		res := s.applyTransfer(*in.Final)
		result = &res
		sess = s.sessions[in.SessionID]
	}

	at := stamp(in.At)
	sess.Status = session.StatusEnded
	sess.EndedAt = &at
	sess.EndReason = in.Reason
	sess.UpdatedAt = at
	sess.Version++
	s.sessions[sess.ID] = sess

	if err := s.release(sess.PayerWalletID, sess.ID); err != nil && !errors.Is(err, wallet.ErrStaleRelease) {
		return session.Session{}, nil, err
	}
	return sess, result, nil
}

func (s *Store) ListSessionsByPayer(_ context.Context, walletID string, page ledger.Page) ([]session.Session, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []session.Session
	for _, sess := range s.sessions {
		if sess.PayerWalletID == walletID {
			matched = append(matched, sess)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	return paginate(matched, page), len(matched), nil
}

func (s *Store) ListSessionsByStatus(_ context.Context, status session.Status, limit int) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastBilledAt.Before(out[j].LastBilledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListDivergentSessions(_ context.Context, limit int) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.Status == session.StatusEnded && sess.RailDivergent {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
