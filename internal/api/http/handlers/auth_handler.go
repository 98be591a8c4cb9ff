package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/storefront-chat/internal/api/dto"
	"github.com/spec-kit/storefront-chat/internal/service"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

// AuthHandler exposes registration and login for customers and staff.
type AuthHandler struct {
	auth       *service.AuthService
	cookieName string
	secure     bool
}

// NewAuthHandler constructs handler. When cookieName is set customer logins
// also receive the token as an HttpOnly cookie.
func NewAuthHandler(authService *service.AuthService, cookieName string, secure bool) *AuthHandler {
	return &AuthHandler{auth: authService, cookieName: cookieName, secure: secure}
}

// RegisterCustomer handles POST /auth/customers/register.
func (h *AuthHandler) RegisterCustomer(c *fiber.Ctx) error {
	var req dto.CustomerRegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return apperrors.NewValidationError("name, email, password required", nil)
	}

	res, err := h.auth.RegisterCustomer(c.UserContext(), req.Name, req.Email, req.Password)
	if err != nil {
		return err
	}
	h.setCookie(c, res)
	return c.Status(fiber.StatusCreated).JSON(authBody(res))
}

// LoginCustomer handles POST /auth/customers/login.
func (h *AuthHandler) LoginCustomer(c *fiber.Ctx) error {
	req, err := parseLogin(c)
	if err != nil {
		return err
	}
	res, err := h.auth.LoginCustomer(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	h.setCookie(c, res)
	return c.JSON(authBody(res))
}

// LoginStaff handles POST /auth/staff/login.
func (h *AuthHandler) LoginStaff(c *fiber.Ctx) error {
	req, err := parseLogin(c)
	if err != nil {
		return err
	}
	res, err := h.auth.LoginStaff(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(authBody(res))
}

func parseLogin(c *fiber.Ctx) (dto.LoginRequest, error) {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return req, apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" || req.Password == "" {
		return req, apperrors.NewValidationError("email and password required", nil)
	}
	return req, nil
}

func (h *AuthHandler) setCookie(c *fiber.Ctx, res *service.AuthResult) {
	if h.cookieName == "" {
		return
	}
	c.Cookie(&fiber.Cookie{
		Name:     h.cookieName,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.Meta.ExpiresAt,
		HTTPOnly: true,
		Secure:   h.secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func authBody(res *service.AuthResult) fiber.Map {
	return fiber.Map{
		"success": true,
		"data": fiber.Map{
			"principal": dto.NewPrincipalView(res.Principal),
			"auth":      dto.AuthResponse{Token: res.Token, ExpiresAt: res.Meta.ExpiresAt},
		},
	}
}
