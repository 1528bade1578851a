package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/npezzotti/residence-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken(" abc \n").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestFileToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	creds := FileToken{Path: path}

	_, err := creds.Token(context.Background())
	assert.ErrorIs(t, err, types.ErrUnauthenticated, "missing file")

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	_, err = creds.Token(context.Background())
	assert.ErrorIs(t, err, types.ErrUnauthenticated, "empty file")

	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))
	tok, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("refreshed"), 0o600))
	tok, err = creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok)
}
