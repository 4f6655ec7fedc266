package account

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process store with the same constraints as the
// Postgres repository. It backs tests and local tooling.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]Account),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, acc Account) (Account, error) {
	if acc.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Account{}, err
		}
		acc.ID = id.String()
	}
	if err := acc.Validate(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		switch {
		case existing.Email == acc.Email:
			return Account{}, ErrEmailTaken
		case existing.Username == acc.Username:
			return Account{}, ErrUsernameTaken
		case acc.Identity != nil && existing.Identity != nil && *existing.Identity == *acc.Identity:
			return Account{}, ErrIdentityTaken
		case acc.RefreshToken != "" && existing.RefreshToken == acc.RefreshToken:
			return Account{}, ErrTokenTaken
		}
	}
	if _, ok := s.accounts[acc.ID]; ok {
		return Account{}, ErrEmailTaken
	}

	now := s.now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	s.accounts[acc.ID] = clone(acc)
	return clone(acc), nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return clone(acc), nil
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (Account, error) {
	return s.find(func(a Account) bool { return a.Email == email })
}

func (s *MemoryStore) FindByUsername(_ context.Context, username string) (Account, error) {
	return s.find(func(a Account) bool { return a.Username == username })
}

func (s *MemoryStore) FindByRefreshToken(_ context.Context, refreshToken string) (Account, error) {
	if refreshToken == "" {
		return Account{}, ErrNotFound
	}
	return s.find(func(a Account) bool { return a.RefreshToken == refreshToken })
}

func (s *MemoryStore) find(match func(Account) bool) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range s.accounts {
		if match(acc) {
			return clone(acc), nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *MemoryStore) SetRefreshToken(_ context.Context, id, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	for otherID, other := range s.accounts {
		if otherID != id && other.RefreshToken != "" && other.RefreshToken == refreshToken {
			return ErrTokenTaken
		}
	}

	expires := expiresAt.UTC()
	acc.RefreshToken = refreshToken
	acc.RefreshTokenExpiresAt = &expires
	acc.UpdatedAt = s.now().UTC()
	s.accounts[id] = acc
	return nil
}

func (s *MemoryStore) ClearRefreshToken(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok || acc.RefreshToken == "" {
		return ErrNoSession
	}

	signedOut := at.UTC()
	acc.RefreshToken = ""
	acc.RefreshTokenExpiresAt = nil
	acc.LastSignoutAt = &signedOut
	acc.UpdatedAt = signedOut
	s.accounts[id] = acc
	return nil
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acc.PasswordHash = passwordHash
	acc.UpdatedAt = s.now().UTC()
	s.accounts[id] = acc
	return nil
}

func (s *MemoryStore) LinkIdentity(_ context.Context, id string, identity ProviderIdentity, picture string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if acc.Identity != nil {
		return ErrAlreadyLinked
	}
	for otherID, other := range s.accounts {
		if otherID != id && other.Identity != nil && *other.Identity == identity {
			return ErrIdentityTaken
		}
	}

	acc.Identity = &identity
	if acc.Picture == "" {
		acc.Picture = picture
	}
	acc.UpdatedAt = s.now().UTC()
	s.accounts[id] = acc
	return nil
}

func (s *MemoryStore) ClearExpiredSessions(_ context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64
	for id, acc := range s.accounts {
		if cleared >= int64(batchSize) {
			break
		}
		if acc.RefreshToken == "" || acc.RefreshTokenExpiresAt == nil || !acc.RefreshTokenExpiresAt.Before(now) {
			continue
		}
		acc.RefreshToken = ""
		acc.RefreshTokenExpiresAt = nil
		acc.UpdatedAt = now.UTC()
		s.accounts[id] = acc
		cleared++
	}
	return cleared, nil
}

func clone(acc Account) Account {
	if acc.Identity != nil {
		identity := *acc.Identity
		acc.Identity = &identity
	}
	if acc.RefreshTokenExpiresAt != nil {
		value := *acc.RefreshTokenExpiresAt
		acc.RefreshTokenExpiresAt = &value
	}
	if acc.LastSignoutAt != nil {
		value := *acc.LastSignoutAt
		acc.LastSignoutAt = &value
	}
	return acc
}
