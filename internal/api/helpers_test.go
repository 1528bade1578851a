package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/residence-chat/internal/config"
	"github.com/npezzotti/residence-chat/internal/database"
	"github.com/npezzotti/residence-chat/internal/directory"
	"github.com/npezzotti/residence-chat/internal/server"
	"github.com/npezzotti/residence-chat/internal/stats"
	"github.com/npezzotti/residence-chat/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

const testDirectory = `
residences:
  - id: 7
    name: Maple Court
    tenants:
      - user_id: 101
        active: true
        joined_at: 2025-01-10T00:00:00Z
      - user_id: 102
        active: true
        joined_at: 2025-02-01T00:00:00Z
users:
  - id: 101
    email: ana@example.com
    first_name: Ana
    last_name: Lopez
  - id: 102
    email: ben@example.com
    first_name: Ben
`

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func tokenFor(t *testing.T, userId int) string {
	return signToken(t, testSigningKey, jwt.MapClaims{"sub": userId})
}

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

type testEnv struct {
	app   *ChatApp
	sm    *server.SessionManager
	store *database.BadgerMessageStore
	dir   *directory.FileDirectory
}

// newTestEnv builds an app on top of an in-memory store and a file directory.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "residences.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDirectory), 0o600))
	dir, err := directory.NewFileDirectory(path)
	require.NoError(t, err)

	store, err := database.NewBadgerMessageStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.Run()
	t.Cleanup(su.Stop)

	logger := testutil.TestLogger(t)
	sm := server.NewSessionManager(logger, store, dir, dir, su)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sm.Shutdown(ctx)
	})

	return &testEnv{
		app:   NewChatApp(mux, logger, sm, store, dir, testConfig()),
		sm:    sm,
		store: store,
		dir:   dir,
	}
}
