package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db.example.com:6543/app?sslmode=require",
		DSN(ClientConfig{
			Host: "db.example.com", Port: 6543, Database: "app",
			User: "u", Password: "p", SSLMode: "require",
		}))

	// Explicit DSN wins over discrete fields.
	assert.Equal(t, "postgres://x@y/z",
		DSN(ClientConfig{DSN: "postgres://x@y/z", Host: "ignored"}))

	// Port and sslmode fall back to defaults.
	assert.Equal(t, "postgres://u:p@localhost:5432/app?sslmode=disable",
		DSN(ClientConfig{Host: "localhost", Database: "app", User: "u", Password: "p"}))
}
