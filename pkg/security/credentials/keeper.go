package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets"
)

// sealed is the plaintext layout inside the ciphertext.
type sealed struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	SealedAt    time.Time    `json:"sealed_at"`
}

const sealedVersion = 1

// Seal validates creds and encrypts them with the keeper at keeperURL.
func Seal(ctx context.Context, keeperURL string, creds *Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(sealed{
		Credentials: creds,
		Version:     sealedVersion,
		SealedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return ciphertext, nil
}

// Open decrypts ciphertext produced by Seal. Expired credentials are
// rejected.
func Open(ctx context.Context, keeperURL string, ciphertext []byte) (*Credentials, error) {
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var data sealed
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	if data.Version != sealedVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidCredentials, data.Version)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return nil, err
	}
	if data.Credentials.IsExpired(time.Now()) {
		return nil, ErrCredentialsExpired
	}
	return data.Credentials, nil
}

// LoadFile reads sealed credentials from path and opens them.
func LoadFile(ctx context.Context, keeperURL, path string) (*Credentials, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return Open(ctx, keeperURL, ciphertext)
}

// SaveFile seals creds and writes them to path readable only by the owner.
func SaveFile(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	ciphertext, err := Seal(ctx, keeperURL, creds)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
