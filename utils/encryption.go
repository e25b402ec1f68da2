package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"gorm.io/gorm"

	"phishsim/config"
	"phishsim/models"
)

// DevFallbackSecret keys the codec when APP_SECRET_KEY is unset.
// Development only, never acceptable in production.
const DevFallbackSecret = "phishsim-dev-secret-do-not-use-in-production"

const gcmTagSize = 16

// Encrypt encrypts plaintext under the configured application secret.
func Encrypt(plaintext string) (string, error) {
	return EncryptWithSecret(plaintext, config.AppConfig.SecretKey)
}

// Decrypt decrypts a payload produced by Encrypt under the configured
// application secret.
func Decrypt(payload string) (string, error) {
	return DecryptWithSecret(payload, config.AppConfig.SecretKey)
}

// EncryptWithSecret encrypts plaintext with AES-256-GCM under a key
// derived from secret, producing an "iv:tag:ciphertext" payload with a
// fresh random nonce per call.
func EncryptWithSecret(plaintext, secret string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// DecryptWithSecret reverses EncryptWithSecret. A payload without the
// expected iv:tag:ciphertext shape yields an empty string rather than an
// error: this guards a best-effort credential-display path, so callers
// that need strict correctness must check for emptiness themselves.
func DecryptWithSecret(payload, secret string) (string, error) {
	if payload == "" {
		return "", nil
	}

	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", nil
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", nil
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", nil
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt payload: %w", err)
	}

	return string(plaintext), nil
}

// RotateEncryptionSecret re-encrypts every stored SMTP credential from
// oldSecret to newSecret inside one transaction. Any single record that
// fails to decrypt rolls the whole batch back.
func RotateEncryptionSecret(db *gorm.DB, oldSecret, newSecret string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var configs []models.SMTPConfig
		if err := tx.Find(&configs).Error; err != nil {
			return err
		}

		for i := range configs {
			if configs[i].Password == "" {
				continue
			}

			plaintext, err := DecryptWithSecret(configs[i].Password, oldSecret)
			if err != nil {
				return fmt.Errorf("config %d: %w", configs[i].ID, err)
			}
			if plaintext == "" {
				return fmt.Errorf("config %d: stored credential did not decrypt under the old secret", configs[i].ID)
			}

			reencrypted, err := EncryptWithSecret(plaintext, newSecret)
			if err != nil {
				return fmt.Errorf("config %d: %w", configs[i].ID, err)
			}

			if err := tx.Model(&models.SMTPConfig{}).
				Where("id = ?", configs[i].ID).
				Update("password", reencrypted).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// newGCM derives a fixed-width key from the operator secret and builds
// the AEAD. The secret is hashed so operators may supply keys of any
// length.
func newGCM(secret string) (cipher.AEAD, error) {
	if secret == "" {
		secret = DevFallbackSecret
	}
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
