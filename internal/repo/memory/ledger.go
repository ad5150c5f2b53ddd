package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/celestya/backend/internal/domain/model"
	authsvc "github.com/celestya/backend/internal/services/auth"
)

// Ledger is an in-process refresh token ledger. Transactions are serialized
// behind one lock and rolled back by restoring a snapshot.
type Ledger struct {
	mu    sync.Mutex
	state ledgerState
}

type ledgerState struct {
	nextID int64
	rows   map[int64]model.RefreshToken
	byHash map[string]int64
}

func NewLedger() *Ledger {
	return &Ledger{state: ledgerState{
		rows:   make(map[int64]model.RefreshToken),
		byHash: make(map[string]int64),
	}}
}

func (l *Ledger) WithTx(ctx context.Context, fn func(context.Context, authsvc.LedgerStore) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.state.clone()
	if err := fn(ctx, &txStore{state: &l.state}); err != nil {
		l.state = snapshot
		return err
	}
	return nil
}

func (l *Ledger) InsertRefreshToken(_ context.Context, token model.RefreshToken) (model.RefreshToken, authsvc.InsertOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, outcome := l.state.insert(token)
	return stored, outcome, nil
}

func (l *Ledger) FindRefreshTokenByHash(_ context.Context, secretHash string) (model.RefreshToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.find(secretHash)
}

func (l *Ledger) MarkRotated(_ context.Context, id int64, successorHash string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.markRotated(id, successorHash, at), nil
}

func (l *Ledger) RevokeByHash(_ context.Context, secretHash string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.revokeByHash(secretHash, at), nil
}

func (l *Ledger) RevokeAllForOwner(_ context.Context, ownerID int64, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.revokeAllForOwner(ownerID, at), nil
}

func (l *Ledger) RevokeDescendants(_ context.Context, secretHash string, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.revokeDescendants(secretHash, at), nil
}

func (l *Ledger) ListActiveForOwner(_ context.Context, ownerID int64, now time.Time) ([]model.RefreshToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.RefreshToken, 0)
	for _, row := range l.state.ordered() {
		if row.OwnerID == ownerID && row.State(now) == model.RefreshTokenActive {
			out = append(out, row)
		}
	}
	// newest first, matching the postgres repo
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (l *Ledger) Stats(_ context.Context, now time.Time) (model.LedgerStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats model.LedgerStats
	for _, row := range l.state.rows {
		stats.Total++
		switch row.State(now) {
		case model.RefreshTokenActive:
			stats.Active++
		case model.RefreshTokenRotated:
			stats.Rotated++
		case model.RefreshTokenRevoked:
			stats.Revoked++
		case model.RefreshTokenExpired:
			stats.Expired++
		}
	}
	return stats, nil
}

func (l *Ledger) DeleteStaleForOwner(_ context.Context, ownerID int64, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var deleted int64
	for _, row := range l.state.ordered() {
		if row.OwnerID == ownerID && isStale(row, cutoff) {
			l.state.delete(row)
			deleted++
		}
	}
	return deleted, nil
}

func (l *Ledger) DeleteStale(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var deleted int64
	for _, row := range l.state.ordered() {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if isStale(row, cutoff) {
			l.state.delete(row)
			deleted++
		}
	}
	return deleted, nil
}

func (l *Ledger) RevokeExcessForOwner(_ context.Context, ownerID int64, keep int, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := make([]model.RefreshToken, 0)
	for _, row := range l.state.ordered() {
		if row.OwnerID == ownerID && row.State(now) == model.RefreshTokenActive {
			active = append(active, row)
		}
	}
	if keep < 0 {
		keep = 0
	}
	excess := len(active) - keep
	if excess <= 0 {
		return 0, nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	for _, row := range active[:excess] {
		revokedAt := now
		row.RevokedAt = &revokedAt
		l.state.rows[row.ID] = row
	}
	return int64(excess), nil
}

func (l *Ledger) OwnersOverCap(_ context.Context, keep int, now time.Time) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[int64]int)
	for _, row := range l.state.rows {
		if row.State(now) == model.RefreshTokenActive {
			counts[row.OwnerID]++
		}
	}

	owners := make([]int64, 0)
	for ownerID, n := range counts {
		if n > keep {
			owners = append(owners, ownerID)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners, nil
}

// All returns every row in insertion order. Tests use it to inspect the ledger.
func (l *Ledger) All() []model.RefreshToken {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.ordered()
}

// txStore runs on state already guarded by the Ledger lock held in WithTx.
type txStore struct {
	state *ledgerState
}

func (t *txStore) InsertRefreshToken(_ context.Context, token model.RefreshToken) (model.RefreshToken, authsvc.InsertOutcome, error) {
	stored, outcome := t.state.insert(token)
	return stored, outcome, nil
}

func (t *txStore) FindRefreshTokenByHash(_ context.Context, secretHash string) (model.RefreshToken, error) {
	return t.state.find(secretHash)
}

func (t *txStore) MarkRotated(_ context.Context, id int64, successorHash string, at time.Time) (bool, error) {
	return t.state.markRotated(id, successorHash, at), nil
}

func (t *txStore) RevokeByHash(_ context.Context, secretHash string, at time.Time) (bool, error) {
	return t.state.revokeByHash(secretHash, at), nil
}

func (t *txStore) RevokeAllForOwner(_ context.Context, ownerID int64, at time.Time) (int64, error) {
	return t.state.revokeAllForOwner(ownerID, at), nil
}

func (t *txStore) RevokeDescendants(_ context.Context, secretHash string, at time.Time) (int64, error) {
	return t.state.revokeDescendants(secretHash, at), nil
}

func (s *ledgerState) clone() ledgerState {
	out := ledgerState{
		nextID: s.nextID,
		rows:   make(map[int64]model.RefreshToken, len(s.rows)),
		byHash: make(map[string]int64, len(s.byHash)),
	}
	for id, row := range s.rows {
		out.rows[id] = row
	}
	for hash, id := range s.byHash {
		out.byHash[hash] = id
	}
	return out
}

func (s *ledgerState) insert(token model.RefreshToken) (model.RefreshToken, authsvc.InsertOutcome) {
	if _, exists := s.byHash[token.SecretHash]; exists {
		return model.RefreshToken{}, authsvc.InsertCollision
	}

	s.nextID++
	token.ID = s.nextID
	token.RevokedAt = nil
	token.ReplacedByHash = nil
	s.rows[token.ID] = token
	s.byHash[token.SecretHash] = token.ID
	return token, authsvc.Inserted
}

func (s *ledgerState) find(secretHash string) (model.RefreshToken, error) {
	id, ok := s.byHash[secretHash]
	if !ok {
		return model.RefreshToken{}, model.ErrRefreshTokenNotFound
	}
	return s.rows[id], nil
}

func (s *ledgerState) markRotated(id int64, successorHash string, at time.Time) bool {
	row, ok := s.rows[id]
	if !ok || row.RevokedAt != nil {
		return false
	}

	revokedAt, usedAt, successor := at, at, successorHash
	row.RevokedAt = &revokedAt
	row.LastUsedAt = &usedAt
	row.ReplacedByHash = &successor
	s.rows[id] = row
	return true
}

func (s *ledgerState) revokeByHash(secretHash string, at time.Time) bool {
	id, ok := s.byHash[secretHash]
	if !ok {
		return false
	}
	row := s.rows[id]
	if row.RevokedAt != nil {
		return false
	}

	revokedAt := at
	row.RevokedAt = &revokedAt
	s.rows[id] = row
	return true
}

func (s *ledgerState) revokeAllForOwner(ownerID int64, at time.Time) int64 {
	var revoked int64
	for id, row := range s.rows {
		if row.OwnerID != ownerID || row.RevokedAt != nil {
			continue
		}
		revokedAt := at
		row.RevokedAt = &revokedAt
		s.rows[id] = row
		revoked++
	}
	return revoked
}

// revokeDescendants walks replaced_by links forward from secretHash and revokes
// every still-live record on the chain.
func (s *ledgerState) revokeDescendants(secretHash string, at time.Time) int64 {
	var revoked int64
	seen := make(map[string]bool)
	hash := secretHash
	for hash != "" && !seen[hash] {
		seen[hash] = true
		id, ok := s.byHash[hash]
		if !ok {
			break
		}
		row := s.rows[id]
		if row.RevokedAt == nil {
			revokedAt := at
			row.RevokedAt = &revokedAt
			s.rows[id] = row
			revoked++
		}
		if row.ReplacedByHash == nil {
			break
		}
		hash = *row.ReplacedByHash
	}
	return revoked
}

func (s *ledgerState) delete(row model.RefreshToken) {
	delete(s.rows, row.ID)
	delete(s.byHash, row.SecretHash)
}

func (s *ledgerState) ordered() []model.RefreshToken {
	out := make([]model.RefreshToken, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func isStale(row model.RefreshToken, cutoff time.Time) bool {
	if row.ExpiresAt.Before(cutoff) {
		return true
	}
	return row.RevokedAt != nil && row.RevokedAt.Before(cutoff)
}
