package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/challenge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take a per-challenge mutex, stage their writes on copies and
// publish them under the store lock on commit, so a failed callback leaves
// nothing behind.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]model.User
	challenges map[string]model.Challenge
	positions  map[string]model.Position
	posByChal  map[string][]string
	trades     map[string][]model.Trade
	payouts    map[string]model.Payout
	payByChal  map[string][]string
	locksMu    sync.Mutex
	chalLocks  map[string]*sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]model.User),
		challenges: make(map[string]model.Challenge),
		positions:  make(map[string]model.Position),
		posByChal:  make(map[string][]string),
		trades:     make(map[string][]model.Trade),
		payouts:    make(map[string]model.Payout),
		payByChal:  make(map[string][]string),
		chalLocks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("store: user %s already exists", u.ID)
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, model.NotFoundf("user %s", id)
	}
	return &u, nil
}

func (s *MemoryStore) CreateChallenge(_ context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[c.UserID]; !ok {
		return model.NotFoundf("user %s", c.UserID)
	}
	if _, ok := s.challenges[c.ID]; ok {
		return fmt.Errorf("store: challenge %s already exists", c.ID)
	}
	if c.Status == model.StatusActive {
		for _, existing := range s.challenges {
			if existing.UserID == c.UserID && existing.Status == model.StatusActive {
				return ErrActiveChallengeExists
			}
		}
	}
	s.challenges[c.ID] = cloneChallenge(*c)
	return nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, model.NotFoundf("challenge %s", id)
	}
	c = cloneChallenge(c)
	return &c, nil
}

func (s *MemoryStore) ListActiveChallenges(_ context.Context) ([]model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Challenge
	for _, c := range s.challenges {
		if c.Status == model.StatusActive {
			out = append(out, cloneChallenge(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, challengeID string, status model.PositionStatus) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, id := range s.posByChal[challengeID] {
		p := s.positions[id]
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, challengeID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Trade(nil), s.trades[challengeID]...), nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, challengeID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Payout
	for _, id := range s.payByChal[challengeID] {
		out = append(out, s.payouts[id])
	}
	return out, nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, model.NotFoundf("payout %s", id)
	}
	return &p, nil
}

func (s *MemoryStore) WithChallengeTx(ctx context.Context, challengeID string, fn func(tx Tx) error) error {
	lock := s.challengeLock(challengeID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.begin(challengeID)
	if err != nil {
		return err
	}
	err = fn(tx)
	tx.done = true
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) challengeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.chalLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.chalLocks[id] = l
	}
	return l
}

func (s *MemoryStore) begin(challengeID string) (*memoryTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[challengeID]
	if !ok {
		return nil, model.NotFoundf("challenge %s", challengeID)
	}
	tx := &memoryTx{
		challenge:   cloneChallenge(c),
		positions:   make(map[string]model.Position),
		posOrder:    append([]string(nil), s.posByChal[challengeID]...),
		payouts:     make(map[string]model.Payout),
		payoutOrder: append([]string(nil), s.payByChal[challengeID]...),
	}
	for _, id := range tx.posOrder {
		tx.positions[id] = s.positions[id]
	}
	for _, id := range tx.payoutOrder {
		tx.payouts[id] = s.payouts[id]
	}
	return tx, nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.challenge.ID
	s.challenges[id] = tx.challenge
	for pid, p := range tx.positions {
		s.positions[pid] = p
	}
	s.posByChal[id] = tx.posOrder
	s.trades[id] = append(s.trades[id], tx.newTrades...)
	for pid, p := range tx.payouts {
		s.payouts[pid] = p
	}
	s.payByChal[id] = tx.payoutOrder
}

// memoryTx holds staged copies of one challenge's rows.
type memoryTx struct {
	done        bool
	challenge   model.Challenge
	positions   map[string]model.Position
	posOrder    []string
	newTrades   []model.Trade
	payouts     map[string]model.Payout
	payoutOrder []string
}

func (tx *memoryTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func (tx *memoryTx) Challenge(_ context.Context) (*model.Challenge, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	c := cloneChallenge(tx.challenge)
	return &c, nil
}

func (tx *memoryTx) UpdateChallenge(_ context.Context, c *model.Challenge) error {
	if err := tx.check(); err != nil {
		return err
	}
	if c.ID != tx.challenge.ID {
		return fmt.Errorf("store: challenge %s is not locked by this transaction", c.ID)
	}
	tx.challenge = cloneChallenge(*c)
	return nil
}

func (tx *memoryTx) OpenPositions(_ context.Context) ([]model.Position, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	var out []model.Position
	for _, id := range tx.posOrder {
		if p := tx.positions[id]; p.Status == model.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memoryTx) FindOpenPosition(_ context.Context, marketID string, dir model.Direction) (*model.Position, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	for _, id := range tx.posOrder {
		p := tx.positions[id]
		if p.Status == model.PositionOpen && p.MarketID == marketID && p.Direction == dir {
			return &p, nil
		}
	}
	return nil, model.NotFoundf("open %s position on %s", dir, marketID)
}

func (tx *memoryTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := tx.check(); err != nil {
		return err
	}
	if p.ChallengeID != tx.challenge.ID {
		return fmt.Errorf("store: position %s belongs to challenge %s", p.ID, p.ChallengeID)
	}
	if _, ok := tx.positions[p.ID]; ok {
		return fmt.Errorf("store: position %s already exists", p.ID)
	}
	if p.Status == model.PositionOpen {
		if _, err := tx.FindOpenPosition(ctx, p.MarketID, p.Direction); err == nil {
			return ErrOpenPositionExists
		}
	}
	tx.positions[p.ID] = *p
	tx.posOrder = append(tx.posOrder, p.ID)
	return nil
}

func (tx *memoryTx) UpdatePosition(_ context.Context, p *model.Position) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.positions[p.ID]; !ok {
		return model.NotFoundf("position %s", p.ID)
	}
	tx.positions[p.ID] = *p
	return nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if err := tx.check(); err != nil {
		return err
	}
	if t.ChallengeID != tx.challenge.ID {
		return fmt.Errorf("store: trade %s belongs to challenge %s", t.ID, t.ChallengeID)
	}
	tx.newTrades = append(tx.newTrades, *t)
	return nil
}

func (tx *memoryTx) Payouts(_ context.Context) ([]model.Payout, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	out := make([]model.Payout, 0, len(tx.payoutOrder))
	for _, id := range tx.payoutOrder {
		out = append(out, tx.payouts[id])
	}
	return out, nil
}

func (tx *memoryTx) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	p, ok := tx.payouts[id]
	if !ok {
		return nil, model.NotFoundf("payout %s", id)
	}
	return &p, nil
}

func (tx *memoryTx) InsertPayout(_ context.Context, p *model.Payout) error {
	if err := tx.check(); err != nil {
		return err
	}
	if p.ChallengeID != tx.challenge.ID {
		return fmt.Errorf("store: payout %s belongs to challenge %s", p.ID, p.ChallengeID)
	}
	if _, ok := tx.payouts[p.ID]; ok {
		return fmt.Errorf("store: payout %s already exists", p.ID)
	}
	tx.payouts[p.ID] = *p
	tx.payoutOrder = append(tx.payoutOrder, p.ID)
	return nil
}

func (tx *memoryTx) UpdatePayout(_ context.Context, p *model.Payout) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.payouts[p.ID]; !ok {
		return model.NotFoundf("payout %s", p.ID)
	}
	tx.payouts[p.ID] = *p
	return nil
}

func cloneChallenge(c model.Challenge) model.Challenge {
	c.Rules.VolumeTiers = append([]model.VolumeTier(nil), c.Rules.VolumeTiers...)
	return c
}
