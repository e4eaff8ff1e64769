package linkauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Request and Response Types

// RequestLinkRequest asks for a sign-in link to be mailed.
type RequestLinkRequest struct {
	Email    string `json:"email" validate:"required,email"` // Address to send the link to
	DeviceID string `json:"device_id" validate:"required"`   // Requesting device's stable identifier
}

// RequestLinkResponse represents the response for a link request
type RequestLinkResponse struct {
	Email      string    `json:"email,omitempty"`       // Normalized address the link was sent to
	ExpiresAt  time.Time `json:"expires_at,omitempty"`  // When the link stops working
	Remaining  int       `json:"remaining"`             // Requests left in the current window
	RetryAfter time.Time `json:"retry_after,omitempty"` // When the rate-limit window resets
	StatusCode int       `json:"-"`                     // HTTP status code (not serialized)
	Error      string    `json:"error,omitempty"`       // Error message if any
}

// VerifyResponse represents the response for link verification
type VerifyResponse struct {
	SessionID        string    `json:"session_id,omitempty"`         // Established session identifier
	Email            string    `json:"email,omitempty"`              // Authenticated identity
	Role             string    `json:"role,omitempty"`               // Resolved role
	SessionExpiresAt time.Time `json:"session_expires_at,omitempty"` // When the session expires
	StatusCode       int       `json:"-"`                            // HTTP status code (not serialized)
	Error            string    `json:"error,omitempty"`              // Error message if any
}

// StatusResponse represents the response for an auth status check
type StatusResponse struct {
	AuthStatus
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
}

// ExtendResponse represents the response for a session extension
type ExtendResponse struct {
	SessionID  string    `json:"session_id,omitempty"` // Extended session identifier
	ExpiresAt  time.Time `json:"expires_at,omitempty"` // New expiry
	StatusCode int       `json:"-"`                    // HTTP status code (not serialized)
	Error      string    `json:"error,omitempty"`      // Error message if any
}

// SignOutResponse represents the response for sign-out
type SignOutResponse struct {
	Message    string `json:"message"`         // Success message
	StatusCode int    `json:"-"`               // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"` // Error message if any
}

// RequestLinkHandler processes sign-in link requests
func (s *Service) RequestLinkHandler(r *http.Request) RequestLinkResponse {
	var req RequestLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Failed to decode link request", "error", err)
		return RequestLinkResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Invalid request format",
		}
	}

	if err := s.validator.Struct(req); err != nil {
		slog.Debug("Link request validation failed", "error", err)
		return RequestLinkResponse{
			StatusCode: http.StatusBadRequest,
			Error:      formatValidationErrors(err),
		}
	}

	receipt, err := s.RequestLink(r.Context(), req.Email, req.DeviceID)
	if err != nil {
		var rle *RateLimitError
		switch {
		case errors.As(err, &rle):
			return RequestLinkResponse{
				StatusCode: http.StatusTooManyRequests,
				RetryAfter: rle.ResetAt,
				Error:      "Too many sign-in links requested. Please try again later.",
			}
		case errors.Is(err, ErrInvalidEmail):
			return RequestLinkResponse{
				StatusCode: http.StatusBadRequest,
				Error:      "Invalid email address",
			}
		case errors.Is(err, ErrTimeout):
			return RequestLinkResponse{
				StatusCode: http.StatusGatewayTimeout,
				Error:      "The mail service took too long to respond. Please try again.",
			}
		case errors.Is(err, ErrDispatchFailed):
			return RequestLinkResponse{
				StatusCode: http.StatusBadGateway,
				Error:      "We couldn't send your sign-in link. Please try again.",
			}
		}
		slog.Error("Link request failed", "error", err)
		return RequestLinkResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}

	return RequestLinkResponse{
		Email:      receipt.Email,
		ExpiresAt:  receipt.ExpiresAt,
		Remaining:  receipt.Remaining,
		StatusCode: http.StatusOK,
	}
}

// VerifyHandler redeems the token from the clicked link and establishes a
// session. Token and email arrive as query parameters (the link is a GET);
// the device identifier comes from the X-Device-ID header.
func (s *Service) VerifyHandler(r *http.Request) VerifyResponse {
	token := r.URL.Query().Get("token")
	email := r.URL.Query().Get("email")
	deviceID := deviceFromRequest(r)

	if token == "" || email == "" {
		return VerifyResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Missing token or email",
		}
	}
	if deviceID == "" {
		return VerifyResponse{
			StatusCode: http.StatusBadRequest,
			Error:      "Missing device identifier",
		}
	}

	session, role, err := s.VerifyLink(r.Context(), token, email, deviceID)
	if err != nil {
		if IsTokenStateError(err) {
			return VerifyResponse{
				StatusCode: http.StatusUnauthorized,
				Error:      TokenStateMessage,
			}
		}
		slog.Error("Link verification failed", "error", err)
		return VerifyResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}

	return VerifyResponse{
		SessionID:        session.ID,
		Email:            session.Email,
		Role:             role,
		SessionExpiresAt: session.ExpiresAt,
		StatusCode:       http.StatusOK,
	}
}

// StatusHandler reports the caller's current authentication status. An
// invalid or absent session yields an unauthenticated guest status, not an
// error.
func (s *Service) StatusHandler(r *http.Request) StatusResponse {
	status, err := s.Status(r.Context(), sessionFromRequest(r), deviceFromRequest(r))
	if err != nil {
		slog.Error("Status check failed", "error", err)
		return StatusResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}
	return StatusResponse{AuthStatus: status, StatusCode: http.StatusOK}
}

// ExtendHandler pushes the caller's session expiry forward
func (s *Service) ExtendHandler(r *http.Request) ExtendResponse {
	sessionID := sessionFromRequest(r)
	if sessionID == "" {
		return ExtendResponse{
			StatusCode: http.StatusUnauthorized,
			Error:      "No session",
		}
	}

	session, err := s.ExtendSession(r.Context(), sessionID, deviceFromRequest(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrNoSession),
			errors.Is(err, ErrSessionExpired),
			errors.Is(err, ErrDeviceMismatch):
			return ExtendResponse{
				StatusCode: http.StatusUnauthorized,
				Error:      "Session is no longer valid. Please sign in again.",
			}
		}
		slog.Error("Session extension failed", "error", err)
		return ExtendResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}

	return ExtendResponse{
		SessionID:  session.ID,
		ExpiresAt:  session.ExpiresAt,
		StatusCode: http.StatusOK,
	}
}

// SignOutHandler destroys the caller's session
func (s *Service) SignOutHandler(r *http.Request) SignOutResponse {
	if err := s.SignOut(r.Context(), sessionFromRequest(r)); err != nil {
		slog.Error("Sign-out failed", "error", err)
		return SignOutResponse{
			StatusCode: http.StatusInternalServerError,
			Error:      "Internal server error",
		}
	}
	return SignOutResponse{
		Message:    "Signed out successfully",
		StatusCode: http.StatusOK,
	}
}

// WriteJSON serializes a handler response with its status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// sessionFromRequest extracts the session identifier from the Authorization
// header (Bearer scheme) or the X-Session-ID header.
func sessionFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.Header.Get("X-Session-ID")
}

func deviceFromRequest(r *http.Request) string {
	return r.Header.Get("X-Device-ID")
}

func formatValidationErrors(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "email":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a valid email address", fieldError.Field()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, ", ")
	}
	return "Validation failed"
}
