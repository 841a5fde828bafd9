package server

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// member is the User implementation used by the built-in providers.
// Every member belongs to the "user" group and to a group named after itself.
type member struct {
	name   string
	groups []string
}

func (m member) Name() string { return m.name }

func (m member) IsInGroup(group string) bool {
	return group == "user" || group == m.name || slices.Contains(m.groups, group)
}

// NewUser returns a User with the given name and extra groups.
func NewUser(name string, groups ...string) User {
	return member{name: name, groups: groups}
}

// AnonymousProvider accepts the "anonymous" and "ftp" users with any password.
// The password is recorded as the user name.
type AnonymousProvider struct{}

func (AnonymousProvider) ValidateUser(_ context.Context, user, pass string) (MemberValidationResult, error) {
	switch strings.ToLower(user) {
	case "anonymous", "ftp":
	default:
		return MemberValidationResult{Status: InvalidLogin}, nil
	}
	name := pass
	if name == "" {
		name = "anonymous"
	}
	return MemberValidationResult{Status: Anonymous, User: member{name: name}}, nil
}

// ProviderFunc adapts a function to a MembershipProvider.
type ProviderFunc func(ctx context.Context, user, pass string) (MemberValidationResult, error)

func (f ProviderFunc) ValidateUser(ctx context.Context, user, pass string) (MemberValidationResult, error) {
	return f(ctx, user, pass)
}

type passwordEntry struct {
	hash   []byte
	groups []string
}

// PasswordProvider authenticates users against bcrypt password hashes.
// It is safe for concurrent use.
type PasswordProvider struct {
	mu    sync.RWMutex
	users map[string]passwordEntry
}

// NewPasswordProvider returns an empty PasswordProvider.
func NewPasswordProvider() *PasswordProvider {
	return &PasswordProvider{users: make(map[string]passwordEntry)}
}

// AddUser hashes password and registers the user.
func (p *PasswordProvider) AddUser(name, password string, groups ...string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", name, err)
	}
	p.mu.Lock()
	p.users[name] = passwordEntry{hash: hash, groups: groups}
	p.mu.Unlock()
	return nil
}

// AddHashedUser registers a user with an existing bcrypt hash.
func (p *PasswordProvider) AddHashedUser(name, hash string, groups ...string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("invalid bcrypt hash for %s: %w", name, err)
	}
	p.mu.Lock()
	p.users[name] = passwordEntry{hash: []byte(hash), groups: groups}
	p.mu.Unlock()
	return nil
}

// RemoveUser deletes a user.
func (p *PasswordProvider) RemoveUser(name string) {
	p.mu.Lock()
	delete(p.users, name)
	p.mu.Unlock()
}

func (p *PasswordProvider) ValidateUser(_ context.Context, user, pass string) (MemberValidationResult, error) {
	p.mu.RLock()
	entry, ok := p.users[user]
	p.mu.RUnlock()
	if !ok {
		return MemberValidationResult{Status: InvalidLogin}, nil
	}
	if err := bcrypt.CompareHashAndPassword(entry.hash, []byte(pass)); err != nil {
		return MemberValidationResult{Status: InvalidLogin}, nil
	}
	return MemberValidationResult{
		Status: AuthenticatedUser,
		User:   member{name: user, groups: entry.groups},
	}, nil
}
