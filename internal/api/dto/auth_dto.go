package dto

import (
	"time"

	"github.com/spec-kit/storefront-chat/internal/domain"
)

// CustomerRegisterRequest payload for new storefront customers.
type CustomerRegisterRequest struct {
	Name     string `json:"name" form:"name"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// LoginRequest payload for customer and staff login.
type LoginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PrincipalView describes the logged-in actor.
type PrincipalView struct {
	ID        int64             `json:"id"`
	Role      domain.ActorRole  `json:"role"`
	StaffRole *domain.StaffRole `json:"staff_role,omitempty"`
	Name      string            `json:"name"`
}

// NewPrincipalView maps a principal.
func NewPrincipalView(p domain.Principal) PrincipalView {
	return PrincipalView{ID: p.ActorID, Role: p.Role, StaffRole: p.StaffRole, Name: p.DisplayName}
}
