package nats

import (
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/plaenen/bizsuite/pkg/security/credentials"
)

// WithCredentials authenticates the connection the transport opens. It has
// no effect together with WithConnection.
func WithCredentials(creds *credentials.Credentials) Option {
	return func(t *Transport) {
		t.creds = creds
	}
}

// WithServerCredentials makes the embedded server require creds. Connect
// presents them.
func WithServerCredentials(creds *credentials.Credentials) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.creds = creds
	}
}

func connectOptions(name string, creds *credentials.Credentials) []nats.Option {
	opts := []nats.Option{nats.Name(name)}
	if creds == nil {
		return opts
	}
	switch creds.Type {
	case credentials.TypeToken:
		opts = append(opts, nats.Token(creds.Token))
	case credentials.TypeUserPassword:
		opts = append(opts, nats.UserInfo(creds.User, creds.Password))
	}
	return opts
}

func applyServerAuth(opts *server.Options, creds *credentials.Credentials) {
	if creds == nil {
		return
	}
	switch creds.Type {
	case credentials.TypeToken:
		opts.Authorization = creds.Token
	case credentials.TypeUserPassword:
		opts.Username = creds.User
		opts.Password = creds.Password
	}
}
