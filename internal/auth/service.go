package auth

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
)

// Service authenticates users against the local account table, optionally
// falling back to the directory for accounts that only exist there.
type Service struct {
	store *store.Store
	ldap  *LDAPClient
}

// NewService builds the auth service. ldap may be nil when the fallback is
// disabled.
func NewService(s *store.Store, ldap *LDAPClient) *Service {
	return &Service{store: s, ldap: ldap}
}

// Authenticate checks credentials and returns the account. Directory-only
// users are provisioned as students on first login.
func (s *Service) Authenticate(username, password string) (*store.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", apierr.ErrInvalidInput)
	}

	user, err := s.store.GetUserByUsername(username)
	switch {
	case err == nil:
		if user.PasswordHash != "" {
			if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil {
				return user, nil
			}
			return nil, apierr.ErrAccessDenied
		}
		// Account exists but has no local password; directory only.
		return s.directoryLogin(username, password, user)
	case errors.Is(err, apierr.ErrNotFound):
		return s.directoryLogin(username, password, nil)
	default:
		return nil, err
	}
}

func (s *Service) directoryLogin(username, password string, existing *store.User) (*store.User, error) {
	if s.ldap == nil {
		return nil, apierr.ErrAccessDenied
	}

	ok, err := s.ldap.Authenticate(username, password)
	if err != nil {
		return nil, fmt.Errorf("directory authentication failed: %w", err)
	}
	if !ok {
		return nil, apierr.ErrAccessDenied
	}

	if existing != nil {
		return existing, nil
	}

	role := store.RoleStudent
	if isAdmin, err := s.ldap.IsDirectoryAdmin(username); err == nil && isAdmin {
		role = store.RoleAdmin
	}

	user, err := s.store.CreateUser(username, "", role)
	if err != nil {
		return nil, fmt.Errorf("failed to provision directory user: %w", err)
	}
	log.Info().Str("user", username).Str("role", string(role)).Msg("provisioned directory account")
	return user, nil
}

// CreateLocalUser registers an account with a bcrypt password hash.
func (s *Service) CreateLocalUser(username, password string, role store.Role) (*store.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", apierr.ErrInvalidInput, role)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", apierr.ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return s.store.CreateUser(username, string(hash), role)
}
