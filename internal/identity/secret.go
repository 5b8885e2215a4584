package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Параметры Argon2id для деривации секрета из passphrase
const (
	// Argon2Time - количество итераций (time cost)
	Argon2Time = 1
	// Argon2Memory - объем памяти в KB (64MB = 64*1024 KB)
	Argon2Memory = 64 * 1024
	// Argon2Threads - количество параллельных потоков
	Argon2Threads = 4
	// SaltSize - размер соли в байтах
	SaltSize = 32
)

// GenerateSecret returns a new random 32-byte node secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("identity: generate secret: %w", err)
	}
	return secret, nil
}

// GenerateSalt returns a new random salt for passphrase derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("identity: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveFromPassphrase derives a node secret from an operator passphrase and
// a per-node salt using Argon2id. The same (passphrase, salt) pair always
// yields the same secret, so a node restarted with its persisted salt keeps
// its identity.
func DeriveFromPassphrase(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("identity: passphrase cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("identity: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	return argon2.IDKey([]byte(passphrase), salt, Argon2Time, Argon2Memory, Argon2Threads, SecretSize), nil
}

// ParseSecret parses an operator-supplied secret string. Two formats are
// accepted: a byte array like "[1,2,3,...]" and a hex string.
func ParseSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)

	// Формат массива [1,2,3,4]
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		parts := strings.Split(inner, ",")
		secret := make([]byte, 0, len(parts))
		for _, part := range parts {
			n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
			if err != nil {
				return nil, fmt.Errorf("identity: invalid number %q in secret array: %w", part, err)
			}
			secret = append(secret, byte(n))
		}
		return secret, nil
	}

	// Шестнадцатеричная строка
	secret, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid hex secret: %w", err)
	}
	return secret, nil
}
