package state

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// KeySessionEmail is the system_state key holding the session identity
const KeySessionEmail = "session.email"

// ErrInvalidEmail is returned for identifiers that are not a bare address
var ErrInvalidEmail = errors.New("invalid email address")

// NormalizeEmail trims and validates an email-like identifier
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return email, nil
}

// SessionEmail returns the persisted session identity, "" when absent
func (m *Manager) SessionEmail(ctx context.Context) (string, error) {
	return m.GetSystemState(ctx, KeySessionEmail)
}

// SetSessionEmail validates and persists the session identity
func (m *Manager) SetSessionEmail(ctx context.Context, email string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if err := m.SaveSystemState(ctx, KeySessionEmail, email); err != nil {
		return err
	}
	m.logger.Info("Session identity updated", "email", email)
	return nil
}

// ClearSessionEmail forgets the session identity
func (m *Manager) ClearSessionEmail(ctx context.Context) error {
	return m.DeleteSystemState(ctx, KeySessionEmail)
}

// SeedSessionEmail stores email only when no identity is persisted yet.
// An empty email is a no-op.
func (m *Manager) SeedSessionEmail(ctx context.Context, email string) error {
	if strings.TrimSpace(email) == "" {
		return nil
	}
	current, err := m.SessionEmail(ctx)
	if err != nil {
		return err
	}
	if current != "" {
		return nil
	}
	return m.SetSessionEmail(ctx, email)
}
