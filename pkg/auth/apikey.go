package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	apiKeyHashKey   = "jobpipe:apikeys"
	apiKeyIDKey     = "jobpipe:apikeys:ids"
	apiKeySecretLen = 32
)

// ErrUnknownKey is returned when revoking a key id that does not exist.
var ErrUnknownKey = errors.New("unknown api key")

// APIKeyStore stores and validates API keys
type APIKeyStore interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
	CreateKey(ctx context.Context, info APIKeyInfo) (string, *APIKeyInfo, error)
	RevokeKey(ctx context.Context, keyID string) error
	ListKeys(ctx context.Context) ([]APIKeyInfo, error)
}

// APIKeyInfo contains metadata about an API key
type APIKeyInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	KeyHash   string `json:"key_hash,omitempty"` // SHA-256 hash of the key
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // 0 = never expires
}

// RedisAPIKeyStore keeps hashed API keys in two Redis hashes: key hash to
// metadata, and key id to key hash.
type RedisAPIKeyStore struct {
	client *redis.Client
}

// NewRedisAPIKeyStore creates a new Redis-backed API key store
func NewRedisAPIKeyStore(client *redis.Client) *RedisAPIKeyStore {
	return &RedisAPIKeyStore{client: client}
}

// ValidateKey checks if an API key is valid and returns its info
func (s *RedisAPIKeyStore) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	data, err := s.client.HGet(ctx, apiKeyHashKey, hashKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to lookup key: %w", err)
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key info: %w", err)
	}

	if info.ExpiresAt > 0 && info.ExpiresAt < time.Now().Unix() {
		return nil, ErrExpiredToken
	}
	return &info, nil
}

// CreateKey stores a new API key and returns the plaintext key, which is
// not recoverable afterwards.
func (s *RedisAPIKeyStore) CreateKey(ctx context.Context, info APIKeyInfo) (string, *APIKeyInfo, error) {
	if !info.Role.Valid() {
		return "", nil, fmt.Errorf("unknown role %q", info.Role)
	}
	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}

	// Format: jp_<hex-encoded-secret>
	plainKey := "jp_" + hex.EncodeToString(secret)

	info.KeyHash = hashKey(plainKey)
	info.CreatedAt = time.Now().Unix()
	if info.ID == "" {
		idBytes := make([]byte, 8)
		_, _ = rand.Read(idBytes)
		info.ID = "key_" + hex.EncodeToString(idBytes)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal key info: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, apiKeyHashKey, info.KeyHash, data)
		pipe.HSet(ctx, apiKeyIDKey, info.ID, info.KeyHash)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to store key: %w", err)
	}

	info.KeyHash = ""
	return plainKey, &info, nil
}

// RevokeKey removes an API key
func (s *RedisAPIKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	keyHash, err := s.client.HGet(ctx, apiKeyIDKey, keyID).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrUnknownKey
		}
		return fmt.Errorf("failed to lookup key: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, apiKeyHashKey, keyHash)
		pipe.HDel(ctx, apiKeyIDKey, keyID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	return nil
}

// ListKeys returns every key ordered by id, without hashes.
func (s *RedisAPIKeyStore) ListKeys(ctx context.Context) ([]APIKeyInfo, error) {
	vals, err := s.client.HVals(ctx, apiKeyHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]APIKeyInfo, 0, len(vals))
	for _, v := range vals {
		var info APIKeyInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			continue
		}
		info.KeyHash = ""
		keys = append(keys, info)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

// hashKey creates a SHA-256 hash of an API key
func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
