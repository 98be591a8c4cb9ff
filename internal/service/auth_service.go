package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/spec-kit/storefront-chat/internal/auth"
	"github.com/spec-kit/storefront-chat/internal/config"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/repository"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

const minPasswordLength = 8

// AuthService coordinates registration and login flows.
type AuthService struct {
	users      repository.UserRepository
	staff      repository.StaffRepository
	tokenMgr   *auth.TokenManager
	bcryptCost int
}

// AuthDependencies encapsulates repo requirements for auth service.
type AuthDependencies struct {
	UserRepo     repository.UserRepository
	StaffRepo    repository.StaffRepository
	TokenManager *auth.TokenManager
}

// AuthResult is a successful login or registration.
type AuthResult struct {
	Principal domain.Principal
	Token     string
	Meta      domain.Token
}

// NewAuthService builds the service.
func NewAuthService(cfg config.AuthConfig, deps AuthDependencies) *AuthService {
	tokens := deps.TokenManager
	if tokens == nil {
		tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
	}
	return &AuthService{
		users:      deps.UserRepo,
		staff:      deps.StaffRepo,
		tokenMgr:   tokens,
		bcryptCost: cfg.BcryptCost,
	}
}

// RegisterCustomer creates a storefront customer account and logs it in.
func (s *AuthService) RegisterCustomer(ctx context.Context, name, email, password string) (*AuthResult, error) {
	name = strings.TrimSpace(name)
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperrors.NewValidationError("name is required", map[string]any{"field": "name"})
	}
	if len(password) < minPasswordLength {
		return nil, apperrors.NewValidationError("password is too short", map[string]any{
			"field": "password",
			"min":   minPasswordLength,
		})
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	user := &domain.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Status:       domain.UserStatusActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperrors.NewConflict("email already registered", map[string]any{"email": email})
		}
		return nil, apperrors.NewInternalError(err)
	}
	return s.issue(domain.Principal{ActorID: user.ID, Role: domain.RoleCustomer, DisplayName: user.Name})
}

// LoginCustomer authenticates a storefront customer.
func (s *AuthService) LoginCustomer(ctx context.Context, email, password string) (*AuthResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewUnauthorized("invalid credentials")
		}
		return nil, apperrors.NewInternalError(err)
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, apperrors.NewUnauthorized("invalid credentials")
	}
	if user.Status == domain.UserStatusSuspended {
		return nil, apperrors.NewUnauthorized("account suspended")
	}
	return s.issue(domain.Principal{ActorID: user.ID, Role: domain.RoleCustomer, DisplayName: user.Name})
}

// LoginStaff authenticates a support agent and returns a role-bearing token.
func (s *AuthService) LoginStaff(ctx context.Context, email, password string) (*AuthResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	staff, err := s.staff.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewUnauthorized("invalid credentials")
		}
		return nil, apperrors.NewInternalError(err)
	}
	if err := auth.ComparePassword(staff.PasswordHash, password); err != nil {
		return nil, apperrors.NewUnauthorized("invalid credentials")
	}
	if !staff.Active {
		return nil, apperrors.NewUnauthorized("staff account disabled")
	}
	role := staff.Role
	return s.issue(domain.Principal{ActorID: staff.ID, Role: domain.RoleAdmin, StaffRole: &role, DisplayName: staff.Name})
}

// EnsureStaff creates the staff account unless the email is already taken.
// It reports whether an account was created.
func (s *AuthService) EnsureStaff(ctx context.Context, name, email, password string, role domain.StaffRole) (bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return false, err
	}
	if role != domain.StaffRoleAgent && role != domain.StaffRoleAdmin {
		return false, apperrors.NewValidationError("unknown staff role", map[string]any{"role": role})
	}
	if len(password) < minPasswordLength {
		return false, apperrors.NewValidationError("password is too short", map[string]any{"field": "password"})
	}
	if _, err := s.staff.GetByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, apperrors.NewInternalError(err)
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return false, apperrors.NewInternalError(err)
	}
	if strings.TrimSpace(name) == "" {
		name = email
	}
	staff := &domain.StaffMember{
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}
	if err := s.staff.Create(ctx, staff); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, apperrors.NewInternalError(err)
	}
	return true, nil
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}

func (s *AuthService) issue(p domain.Principal) (*AuthResult, error) {
	token, meta, err := s.tokenMgr.GenerateToken(p.ActorID, p.Role, p.StaffRole)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return &AuthResult{Principal: p, Token: token, Meta: meta}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperrors.NewValidationError("a valid email is required", map[string]any{"field": "email"})
	}
	return email, nil
}
