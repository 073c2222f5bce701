// Package credentials loads broker credentials sealed with a Go CDK secrets
// keeper.
//
// Credentials are stored as ciphertext, for example in a file next to the
// configuration, and decrypted at startup with the keeper named by a URL:
//
//	base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=   (local development)
//	awskms://alias/bizsuite?region=eu-west-1
//	gcpkms://projects/p/locations/l/keyRings/r/cryptoKeys/k
//	hashivault://bizsuite
//
// Only the localsecrets driver is linked in; binaries that use a cloud KMS
// import the matching gocloud.dev/secrets driver.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Type identifies how a client authenticates.
type Type string

const (
	// TypeToken authenticates with a bearer token.
	TypeToken Type = "token"

	// TypeUserPassword authenticates with a user name and password.
	TypeUserPassword Type = "user_password"
)

var (
	// ErrInvalidCredentials is returned when credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrCredentialsExpired is returned when credentials have expired.
	ErrCredentialsExpired = errors.New("credentials expired")
)

// Credentials authenticate a client against a broker.
type Credentials struct {
	Type      Type       `json:"type"`
	Token     string     `json:"token,omitempty"`
	User      string     `json:"user,omitempty"`
	Password  string     `json:"password,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Token returns token credentials.
func Token(token string) *Credentials {
	return &Credentials{Type: TypeToken, Token: token}
}

// UserPassword returns user name and password credentials.
func UserPassword(user, password string) *Credentials {
	return &Credentials{Type: TypeUserPassword, User: user, Password: password}
}

// IsExpired reports whether the credentials expired before now.
func (c *Credentials) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Validate ensures the fields required by Type are set.
func (c *Credentials) Validate() error {
	switch c.Type {
	case TypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case TypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String redacts secrets so credentials can be printed safely.
func (c *Credentials) String() string {
	if c.Type == TypeUserPassword {
		return fmt.Sprintf("%s(user=%s)", c.Type, c.User)
	}
	return string(c.Type)
}

// LogValue implements slog.LogValuer without exposing secrets.
func (c *Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", string(c.Type))}
	if c.User != "" {
		attrs = append(attrs, slog.String("user", c.User))
	}
	if c.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *c.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}
