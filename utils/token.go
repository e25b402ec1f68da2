package utils

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"phishsim/models"
)

const trackingTokenBytes = 24

// GenerateToken returns a cryptographically random, URL-safe token.
// Collision probability is negligible, but unique-token invariants are
// enforced at the data layer, so callers persisting a token must still
// go through the issue helpers below.
func GenerateToken() string {
	buf := make([]byte, trackingTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("entropy source unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

const tokenIssueAttempts = 5

// IssueTrackingToken generates a recipient tracking token and verifies it
// against existing project targets, regenerating on collision.
func IssueTrackingToken(db *gorm.DB) (string, error) {
	return issueUnique(db, &models.ProjectTarget{}, "tracking_token")
}

// IssueTrainingLinkToken generates a campaign-wide training-page token and
// verifies it against existing projects, regenerating on collision.
func IssueTrainingLinkToken(db *gorm.DB) (string, error) {
	return issueUnique(db, &models.Project{}, "training_link_token")
}

func issueUnique(db *gorm.DB, model interface{}, column string) (string, error) {
	for i := 0; i < tokenIssueAttempts; i++ {
		token := GenerateToken()

		var count int64
		if err := db.Model(model).Where(column+" = ?", token).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return token, nil
		}
	}
	return "", errors.New("failed to issue a unique token")
}
