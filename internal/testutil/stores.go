// stores.go
//
// Shared mock implementations of auth.CredentialStore and mail.Mailer.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/resumehub/authd/internal/store"
)

// MockCredentialStore implements auth.CredentialStore for tests.
//
// Always stateful: Accounts is a map keyed by email, like a real store.
// Use the *Err fields to inject errors for specific operations.
type MockCredentialStore struct {
	// Error injection -- zero value means no error.
	CreateErr     error
	GetByEmailErr error
	GetByIDErr    error

	Accounts map[string]*store.Account // keyed by lowercased email

	mu sync.Mutex
}

// NewMockCredentialStore returns a store seeded with the given accounts,
// indexed by email.
func NewMockCredentialStore(accounts ...*store.Account) *MockCredentialStore {
	ms := &MockCredentialStore{Accounts: make(map[string]*store.Account)}
	for _, a := range accounts {
		ms.Accounts[a.Email] = a
	}
	return ms
}

func (m *MockCredentialStore) CreateAccount(_ context.Context, id uuid.UUID, name, email, passwordHash string) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Accounts == nil {
		m.Accounts = make(map[string]*store.Account)
	}
	if _, exists := m.Accounts[email]; exists {
		return store.ErrDuplicateEmail
	}
	m.Accounts[email] = &store.Account{
		ID:           id,
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	return nil
}

func (m *MockCredentialStore) GetAccountByEmail(_ context.Context, email string) (*store.Account, error) {
	if m.GetByEmailErr != nil {
		return nil, m.GetByEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[email]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return a, nil
}

func (m *MockCredentialStore) GetAccountByID(_ context.Context, id uuid.UUID) (*store.Account, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

// Delete removes an account by email. Simulates the external store's own
// lifecycle removing a row between token issuance and use.
func (m *MockCredentialStore) Delete(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Accounts, email)
}

// SentCode records one MockMailer delivery.
type SentCode struct {
	To   string
	Code string
}

// MockMailer implements mail.Mailer for tests, recording every send.
// Set Err to simulate delivery failure; Preview is returned on success.
type MockMailer struct {
	Err     error
	Preview string

	mu   sync.Mutex
	Sent []SentCode
}

func (m *MockMailer) SendLoginCode(_ context.Context, toEmail, code string, _ time.Duration) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.mu.Lock()
	m.Sent = append(m.Sent, SentCode{To: toEmail, Code: code})
	m.mu.Unlock()
	return m.Preview, nil
}

// LastCode returns the most recently delivered code, or empty string.
func (m *MockMailer) LastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return ""
	}
	return m.Sent[len(m.Sent)-1].Code
}
