package credentials_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/security/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeeper  = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="
	otherKeeper = "base64key://AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		creds *credentials.Credentials
		ok    bool
	}{
		{"token", credentials.Token("s3cret"), true},
		{"user_password", credentials.UserPassword("relay", "correct-horse"), true},
		{"empty_token", credentials.Token(""), false},
		{"missing_password", credentials.UserPassword("relay", ""), false},
		{"missing_type", &credentials.Credentials{Token: "x"}, false},
		{"unknown_type", &credentials.Credentials{Type: "nkey"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
		})
	}
}

func TestSealOpen(t *testing.T) {
	ctx := context.Background()

	ciphertext, err := credentials.Seal(ctx, testKeeper, credentials.UserPassword("relay", "correct-horse"))
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "correct-horse")

	creds, err := credentials.Open(ctx, testKeeper, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, credentials.TypeUserPassword, creds.Type)
	assert.Equal(t, "relay", creds.User)
	assert.Equal(t, "correct-horse", creds.Password)

	_, err = credentials.Open(ctx, otherKeeper, ciphertext)
	assert.Error(t, err)
}

func TestSeal_RejectsInvalid(t *testing.T) {
	_, err := credentials.Seal(context.Background(), testKeeper, credentials.Token(""))
	assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
}

func TestOpen_RejectsExpired(t *testing.T) {
	ctx := context.Background()
	expired := time.Now().Add(-time.Minute)
	creds := credentials.Token("old")
	creds.ExpiresAt = &expired

	ciphertext, err := credentials.Seal(ctx, testKeeper, creds)
	require.NoError(t, err)

	_, err = credentials.Open(ctx, testKeeper, ciphertext)
	assert.ErrorIs(t, err, credentials.ErrCredentialsExpired)
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nats.creds")

	require.NoError(t, credentials.SaveFile(ctx, testKeeper, path, credentials.Token("s3cret")))

	creds, err := credentials.LoadFile(ctx, testKeeper, path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", creds.Token)

	_, err = credentials.LoadFile(ctx, testKeeper, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSecretsAreRedacted(t *testing.T) {
	creds := credentials.UserPassword("relay", "correct-horse")
	assert.Equal(t, "user_password(user=relay)", fmt.Sprint(creds))

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("connecting", slog.Any("credentials", creds))
	assert.Contains(t, buf.String(), "relay")
	assert.NotContains(t, buf.String(), "correct-horse")
}
