package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/residence-chat/internal/types"
)

// Directory resolves the residence the user currently belongs to.
type Directory interface {
	// GetUserResidence returns types.ErrNoResidence when the user is unassigned.
	GetUserResidence(ctx context.Context, token string) (types.Residence, error)
}

type History interface {
	// GetHistory returns every message of a residence, oldest first.
	GetHistory(ctx context.Context, token string, residenceId int) ([]types.Message, error)
}

// APIClient talks to the server's HTTP API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *APIClient) GetUserResidence(ctx context.Context, token string) (types.Residence, error) {
	var residence types.Residence
	err := a.getJson(ctx, token, "/api/residents/me/residence", &residence)
	if err != nil {
		return types.Residence{}, err
	}
	return residence, nil
}

func (a *APIClient) GetHistory(ctx context.Context, token string, residenceId int) ([]types.Message, error) {
	messages := make([]types.Message, 0)
	err := a.getJson(ctx, token, fmt.Sprintf("/api/residences/%d/messages", residenceId), &messages)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *APIClient) getJson(ctx context.Context, token, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", types.ErrTransportFailure, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return types.ErrUnauthenticated
	case http.StatusForbidden:
		return types.ErrUnauthorized
	case http.StatusNotFound:
		return types.ErrNoResidence
	default:
		return fmt.Errorf("%w: GET %s: unexpected status %d", types.ErrTransportFailure, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
