package client

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/npezzotti/residence-chat/internal/types"
)

type CredentialStore interface {
	// Token returns the bearer token to connect with, or
	// types.ErrUnauthenticated when none is available.
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(string(t))
	if tok == "" {
		return "", types.ErrUnauthenticated
	}
	return tok, nil
}

// FileToken reads the token from a file on every connect, so a refreshed
// token is picked up by the next reconnect.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: read token file: %v", types.ErrUnauthenticated, err)
	}

	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("%w: token file %s is empty", types.ErrUnauthenticated, f.Path)
	}
	return tok, nil
}
