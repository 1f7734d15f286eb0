package db

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

// touchInterval bounds how often LastUsedAt is written for a busy key.
const touchInterval = time.Minute

// APIKey authorizes machine gateways and operators calling the HTTP API.
// Only a hash of the bearer token is stored.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Name is a user-friendly identifier for this key (e.g. "line-2-gateway").
	Name string `gorm:"size:128;not null"`

	// Prefix is the leading part of the token, kept for display.
	Prefix  string `gorm:"size:16"`
	KeyHash string `gorm:"uniqueIndex;size:64;not null"`

	Active     bool `gorm:"default:true"`
	LastUsedAt *time.Time
}

// HashAPIKey returns the hex blake2b-256 digest stored for token.
func HashAPIKey(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey builds an active key record for token.
func NewAPIKey(name, token string) *APIKey {
	prefix := token
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &APIKey{Name: strings.TrimSpace(name), Prefix: prefix, KeyHash: HashAPIKey(token), Active: true}
}

// FindActiveAPIKey looks up an enabled key by its bearer token and records
// its use. It returns gorm.ErrRecordNotFound for unknown or disabled keys.
func FindActiveAPIKey(ctx context.Context, gdb *gorm.DB, token string, now time.Time) (*APIKey, error) {
	var key APIKey
	err := gdb.WithContext(ctx).
		Where(&APIKey{KeyHash: HashAPIKey(token), Active: true}).
		First(&key).Error
	if err != nil {
		return nil, err
	}

	if key.LastUsedAt == nil || now.Sub(*key.LastUsedAt) >= touchInterval {
		if err := gdb.WithContext(ctx).Model(&key).UpdateColumn("last_used_at", now).Error; err != nil {
			return nil, err
		}
		key.LastUsedAt = &now
	}
	return &key, nil
}
