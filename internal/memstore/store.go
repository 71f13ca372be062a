// Package memstore is an in-process matrix.Store. Transactions are
// serialised by a mutex and run against a cloned snapshot that replaces the
// live state only when the callback succeeds.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

const maxAttempts = 3

type nodeKey struct {
	owner string
	stage stage.Stage
}

type membershipKey struct {
	owner  string
	stage  stage.Stage
	member string
}

type state struct {
	users        map[string]matrix.User
	byCode       map[string]string
	byEmail      map[string]string
	byUsername   map[string]string
	wallets      map[string]matrix.Wallet
	deposits     []matrix.Deposit
	nodes        map[nodeKey]matrix.Node
	counters     map[nodeKey]matrix.Counter
	memberships  map[membershipKey]matrix.Membership
	memberOrder  []membershipKey
	earnings     []matrix.Earning
	transactions []matrix.WalletTransaction
	progressions []matrix.Progression
}

func newState() *state {
	return &state{
		users:       map[string]matrix.User{},
		byCode:      map[string]string{},
		byEmail:     map[string]string{},
		byUsername:  map[string]string{},
		wallets:     map[string]matrix.Wallet{},
		nodes:       map[nodeKey]matrix.Node{},
		counters:    map[nodeKey]matrix.Counter{},
		memberships: map[membershipKey]matrix.Membership{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		users:        cloneMap(s.users),
		byCode:       cloneMap(s.byCode),
		byEmail:      cloneMap(s.byEmail),
		byUsername:   cloneMap(s.byUsername),
		wallets:      cloneMap(s.wallets),
		deposits:     append([]matrix.Deposit(nil), s.deposits...),
		nodes:        cloneMap(s.nodes),
		counters:     cloneMap(s.counters),
		memberships:  cloneMap(s.memberships),
		memberOrder:  append([]membershipKey(nil), s.memberOrder...),
		earnings:     append([]matrix.Earning(nil), s.earnings...),
		transactions: append([]matrix.WalletTransaction(nil), s.transactions...),
		progressions: append([]matrix.Progression(nil), s.progressions...),
	}
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, l matrix.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		work := s.st.clone()
		err := fn(ctx, &ledger{st: work})
		if err == nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.st = work
			return nil
		}
		if !errors.Is(err, matrix.ErrSlotTaken) {
			return err
		}
	}
	return matrix.ErrTxConflict
}

// Inspection helpers. Each returns a copy of committed state.

func (s *Store) User(id string) (matrix.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[id]
	return u, ok
}

func (s *Store) Wallet(id string) matrix.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.wallets[id]
}

func (s *Store) Counter(userID string, st stage.Stage) (matrix.Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.counters[nodeKey{userID, st}]
	return c, ok
}

func (s *Store) Node(userID string, st stage.Stage) (matrix.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.st.nodes[nodeKey{userID, st}]
	return n, ok
}

// Nodes lists every node of stage st ordered by owner id.
func (s *Store) Nodes(st stage.Stage) []matrix.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []matrix.Node
	for k, n := range s.st.nodes {
		if k.stage == st {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

func (s *Store) AllCounters() []matrix.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]matrix.Counter, 0, len(s.st.counters))
	for _, c := range s.st.counters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

func (s *Store) Memberships() []matrix.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]matrix.Membership, 0, len(s.st.memberOrder))
	for _, k := range s.st.memberOrder {
		out = append(out, s.st.memberships[k])
	}
	return out
}

func (s *Store) Earnings() []matrix.Earning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]matrix.Earning(nil), s.st.earnings...)
}

func (s *Store) Transactions() []matrix.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]matrix.WalletTransaction(nil), s.st.transactions...)
}

func (s *Store) Progressions() []matrix.Progression {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]matrix.Progression(nil), s.st.progressions...)
}

// SetCounter overwrites a committed counter. It exists for repair drills
// that simulate manual data correction.
func (s *Store) SetCounter(c matrix.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.counters[nodeKey{c.UserID, c.Stage}] = c
}
