package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := make(map[string]bool)
	downs := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %q", name)
		}
	}

	assert.Equal(t, ups, downs)
}

func TestMigrationsCreateTables(t *testing.T) {
	data, err := fs.ReadFile(migrations, "migrations/000001_community.up.sql")
	require.NoError(t, err)

	for _, table := range []string{"profiles", "community_messages", "typing_indicators", "notifications"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, string(data), "PRIMARY KEY (user_id, channel)")
}

func TestAccountConversions(t *testing.T) {
	a := Account{
		Id:           "3f0c0d2e-8a57-4a57-9d0e-4b8f3c2a1b10",
		Username:     "ana",
		EmailAddress: "ana@example.com",
		PasswordHash: "secret",
		AvatarURL:    "https://media.example/ana.png",
	}

	u := a.User()
	assert.Equal(t, a.Id, u.Id)
	assert.Equal(t, "ana@example.com", u.EmailAddress)

	p := a.Profile()
	assert.Equal(t, "ana", p.DisplayName)
	assert.Equal(t, a.AvatarURL, p.AvatarURL)
}
