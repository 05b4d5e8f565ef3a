// Package tokens persists the access/refresh token pair of the signed-in
// account. Every backend stores and clears both tokens together.
package tokens

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("token store closed")

// Pair is the access/refresh token pair issued by the auth backend.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether neither token is present.
func (p Pair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Complete reports whether both tokens are present.
func (p Pair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Store persists the token pair. Load returns the zero Pair when nothing is
// stored. Save writes both tokens or neither.
type Store interface {
	Load(ctx context.Context) (Pair, error)
	Save(ctx context.Context, p Pair) error
	Clear(ctx context.Context) error
}

// Notifier is implemented by stores that can observe writes made by another
// process sharing the same backing storage. Writes made through the same
// store value are not reported.
type Notifier interface {
	Changes() <-chan struct{}
}

// ChangeCallback is invoked after a store changes through this process.
type ChangeCallback func(p Pair)

// MemoryStore keeps the pair in process memory. It is the default store and
// the one used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	pair     Pair
	onChange []ChangeCallback
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// OnChange registers a callback invoked after every Save or Clear.
func (s *MemoryStore) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, cb)
}

func (s *MemoryStore) Load(_ context.Context) (Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, nil
}

func (s *MemoryStore) Save(_ context.Context, p Pair) error {
	s.mu.Lock()
	s.pair = p
	callbacks := append([]ChangeCallback(nil), s.onChange...)
	s.mu.Unlock()

	// Callbacks run outside the lock so they may read the store.
	for _, cb := range callbacks {
		cb(p)
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	return s.Save(ctx, Pair{})
}
