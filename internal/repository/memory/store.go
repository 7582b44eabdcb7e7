// Package memory provides process-local implementations of the credential
// store and the rate-limit counter store for single-instance deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/arklim/storefront-auth/internal/core/domain"
	"github.com/arklim/storefront-auth/internal/core/port"
)

type dataset struct {
	identities    map[string]domain.Identity
	refreshTokens map[string]domain.RefreshToken
	sessions      map[string]domain.LoginSession
	resets        map[string]domain.PasswordResetToken
}

func newDataset() *dataset {
	return &dataset{
		identities:    make(map[string]domain.Identity),
		refreshTokens: make(map[string]domain.RefreshToken),
		sessions:      make(map[string]domain.LoginSession),
		resets:        make(map[string]domain.PasswordResetToken),
	}
}

func (d *dataset) clone() *dataset {
	out := newDataset()
	for k, v := range d.identities {
		out.identities[k] = v
	}
	for k, v := range d.refreshTokens {
		out.refreshTokens[k] = v
	}
	for k, v := range d.sessions {
		out.sessions[k] = v
	}
	for k, v := range d.resets {
		out.resets[k] = v
	}
	return out
}

// view routes repository calls either through the store lock or straight to a transaction's private copy.
type view struct {
	store *Store
	data  *dataset
}

func (v view) do(fn func(d *dataset) error) error {
	if v.store == nil {
		return fn(v.data)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return fn(v.store.data)
}

// Store is an in-memory port.CredentialStore. Transactions run against a copy of the
// data set that replaces the live one on commit.
type Store struct {
	mu   sync.Mutex
	data *dataset
}

var _ port.CredentialStore = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{data: newDataset()}
}

func (s *Store) view() view { return view{store: s} }

// Identities returns the identity repository.
func (s *Store) Identities() port.IdentityRepository { return &IdentityRepository{v: s.view()} }

// RefreshTokens returns the refresh token repository.
func (s *Store) RefreshTokens() port.RefreshTokenRepository {
	return &RefreshTokenRepository{v: s.view()}
}

// Sessions returns the login session repository.
func (s *Store) Sessions() port.SessionRepository { return &SessionRepository{v: s.view()} }

// PasswordResets returns the password reset token repository.
func (s *Store) PasswordResets() port.PasswordResetRepository {
	return &PasswordResetRepository{v: s.view()}
}

// WithinTx holds the store lock for the duration of fn. fn must only use the store it receives.
func (s *Store) WithinTx(ctx context.Context, fn func(port.CredentialStore) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.data.clone()
	if err := fn(&txStore{v: view{data: working}}); err != nil {
		return err
	}
	s.data = working
	return nil
}

type txStore struct {
	v view
}

func (t *txStore) Identities() port.IdentityRepository        { return &IdentityRepository{v: t.v} }
func (t *txStore) RefreshTokens() port.RefreshTokenRepository { return &RefreshTokenRepository{v: t.v} }
func (t *txStore) Sessions() port.SessionRepository           { return &SessionRepository{v: t.v} }
func (t *txStore) PasswordResets() port.PasswordResetRepository {
	return &PasswordResetRepository{v: t.v}
}

func (t *txStore) WithinTx(_ context.Context, fn func(port.CredentialStore) error) error {
	return fn(t)
}
