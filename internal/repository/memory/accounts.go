package memory

import (
	"context"
	"sync"
	"time"

	"blog-auth-service/internal/models"
	"blog-auth-service/internal/repository"

	"github.com/google/uuid"
)

type partitionKey struct {
	role  models.Role
	value string
}

// AccountStore is an in-process user directory with the same uniqueness
// rules as the database drivers: email and user_name are unique per role.
type AccountStore struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*models.Account
	byEmail    map[partitionKey]uuid.UUID
	byUserName map[partitionKey]uuid.UUID

	// FailWith, when set, is returned by every operation.
	FailWith error
	// UpdateCalls counts Update invocations.
	UpdateCalls int
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:       make(map[uuid.UUID]*models.Account),
		byEmail:    make(map[partitionKey]uuid.UUID),
		byUserName: make(map[partitionKey]uuid.UUID),
	}
}

func (s *AccountStore) Create(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}

	if _, taken := s.byEmail[partitionKey{account.Role, account.Email}]; taken {
		return &repository.DuplicateError{Field: "email"}
	}
	if _, taken := s.byUserName[partitionKey{account.Role, account.UserName}]; taken {
		return &repository.DuplicateError{Field: "user_name"}
	}

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	stored := account.Clone()
	s.byID[stored.ID] = stored
	s.byEmail[partitionKey{stored.Role, stored.Email}] = stored.ID
	s.byUserName[partitionKey{stored.Role, stored.UserName}] = stored.ID
	return nil
}

func (s *AccountStore) FindByID(ctx context.Context, role models.Role, id uuid.UUID, opts ...repository.FindOption) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	account, ok := s.byID[id]
	if !ok || account.Role != role {
		return nil, repository.ErrAccountNotFound
	}
	return repository.Project(account.Clone(), opts), nil
}

func (s *AccountStore) FindByEmail(ctx context.Context, role models.Role, email string, opts ...repository.FindOption) (*models.Account, error) {
	return s.findByIndex(s.byEmail, partitionKey{role, email}, opts)
}

func (s *AccountStore) FindByUserName(ctx context.Context, role models.Role, userName string, opts ...repository.FindOption) (*models.Account, error) {
	return s.findByIndex(s.byUserName, partitionKey{role, userName}, opts)
}

func (s *AccountStore) FindByResetTokenHash(ctx context.Context, role models.Role, tokenHash string, opts ...repository.FindOption) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	if tokenHash == "" {
		return nil, repository.ErrAccountNotFound
	}
	for _, account := range s.byID {
		if account.Role == role && account.PasswordResetTokenHash == tokenHash {
			return repository.Project(account.Clone(), opts), nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (s *AccountStore) findByIndex(index map[partitionKey]uuid.UUID, key partitionKey, opts []repository.FindOption) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	id, ok := index[key]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return repository.Project(s.byID[id].Clone(), opts), nil
}

func (s *AccountStore) Update(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateCalls++
	if s.FailWith != nil {
		return s.FailWith
	}

	current, ok := s.byID[account.ID]
	if !ok || current.Role != account.Role {
		return repository.ErrAccountNotFound
	}

	if account.Email != current.Email {
		if _, taken := s.byEmail[partitionKey{account.Role, account.Email}]; taken {
			return &repository.DuplicateError{Field: "email"}
		}
	}
	if account.UserName != current.UserName {
		if _, taken := s.byUserName[partitionKey{account.Role, account.UserName}]; taken {
			return &repository.DuplicateError{Field: "user_name"}
		}
	}

	delete(s.byEmail, partitionKey{current.Role, current.Email})
	delete(s.byUserName, partitionKey{current.Role, current.UserName})

	account.UpdatedAt = time.Now().UTC()
	stored := account.Clone()
	stored.CreatedAt = current.CreatedAt
	s.byID[stored.ID] = stored
	s.byEmail[partitionKey{stored.Role, stored.Email}] = stored.ID
	s.byUserName[partitionKey{stored.Role, stored.UserName}] = stored.ID
	return nil
}

func (s *AccountStore) RecordLoginFailure(ctx context.Context, role models.Role, id uuid.UUID, maxAttempts int, lockFor time.Duration, now time.Time) (*repository.LoginFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	current, ok := s.byID[id]
	if !ok || current.Role != role {
		return nil, repository.ErrAccountNotFound
	}
	next := repository.NextLoginFailure(current.LoginAttempts, current.LockUntil, maxAttempts, lockFor, now)
	current.LoginAttempts = next.Attempts
	current.LockUntil = next.LockUntil
	current.UpdatedAt = now.UTC()
	return &next, nil
}

func (s *AccountStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.FailWith
}

// Len returns the number of stored accounts.
func (s *AccountStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
