package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"presencegate/pkg/types"
)

// Verifier resolves bearer tokens into user profiles by calling the LMS
// backend's "current user" endpoint. It holds no state beyond the HTTP
// client: every connection attempt re-verifies, nothing is cached.
type Verifier struct {
	baseURL string
	client  *http.Client
}

// NewVerifier creates a verifier against the given backend base URL. The
// timeout caps each verification call; the upgrade handler additionally
// imposes its own admission deadline through the request context.
func NewVerifier(baseURL string, timeout time.Duration) *Verifier {
	return &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// meResponse mirrors the backend's /me reply. The backend serves numeric
// user IDs, so ID is decoded as a json.Number and rendered to a string.
type meResponse struct {
	Data struct {
		ID       json.Number `json:"id"`
		Name     string      `json:"name"`
		Email    string      `json:"email"`
		Picture  *string     `json:"picture"`
		Role     *string     `json:"role"`
		UserType *string     `json:"user_type"`
	} `json:"data"`
}

// Verify resolves a bearer token to a profile. An empty token is rejected
// locally without a network call. HTTP 200 with a well-formed payload is the
// only success path; 401 is an explicit rejection; every other status,
// timeout or transport error is an equivalent failure. Cancelling ctx
// abandons the in-flight call, which is how the admission timeout discards
// late results.
func (v *Verifier) Verify(ctx context.Context, token string) (*types.Profile, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to payload decoding.
	case http.StatusUnauthorized:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("auth backend returned status %d", resp.StatusCode)
	}

	var payload meResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	userID := payload.Data.ID.String()
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrMalformedReply)
	}

	return &types.Profile{
		ID:       userID,
		Name:     payload.Data.Name,
		Email:    payload.Data.Email,
		Picture:  payload.Data.Picture,
		Role:     payload.Data.Role,
		UserType: payload.Data.UserType,
	}, nil
}
