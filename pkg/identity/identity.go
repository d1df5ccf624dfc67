package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/benmeehan/pulselink/pkg/file"
	"github.com/google/uuid"
)

const userIDLength = 8

// ErrInvalidUserID is returned for IDs that are not 8 lowercase hex characters.
var ErrInvalidUserID = errors.New("user ID must be 8 hex characters")

// SessionIdentity namespaces the broker topics and the viewer link of one
// process. It never changes after construction.
type SessionIdentity struct {
	UserID string `yaml:"user_id"`
}

// New generates a fresh identity from a random UUID.
func New() SessionIdentity {
	id := uuid.New()
	return SessionIdentity{UserID: hex.EncodeToString(id[:])[:userIDLength]}
}

// Parse validates a user ID, for example one taken from configuration.
func Parse(userID string) (SessionIdentity, error) {
	userID = strings.ToLower(strings.TrimSpace(userID))
	if len(userID) != userIDLength {
		return SessionIdentity{}, ErrInvalidUserID
	}
	if _, err := hex.DecodeString(userID); err != nil {
		return SessionIdentity{}, ErrInvalidUserID
	}
	return SessionIdentity{UserID: userID}, nil
}

// LoadOrCreate reads the identity stored at filePath, creating and saving a
// new one when the file does not exist.
func LoadOrCreate(filePath string, fileOps file.FileOperations) (SessionIdentity, error) {
	exists, err := fileOps.IsFileExists(filePath)
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("failed to check identity file: %w", err)
	}
	if exists {
		var stored SessionIdentity
		if err := fileOps.ReadYamlFile(filePath, &stored); err != nil {
			return SessionIdentity{}, fmt.Errorf("failed to read identity file: %w", err)
		}
		return Parse(stored.UserID)
	}

	id := New()
	if err := fileOps.WriteYamlFile(filePath, id); err != nil {
		return SessionIdentity{}, fmt.Errorf("failed to save identity file: %w", err)
	}
	return id, nil
}

// ClientID is the broker client ID, prefix followed by the user ID.
func (s SessionIdentity) ClientID(prefix string) string {
	return prefix + s.UserID
}

// Topic returns <namespace>/<userId>/<suffix>.
func (s SessionIdentity) Topic(namespace, suffix string) string {
	return strings.Trim(namespace, "/") + "/" + s.UserID + "/" + suffix
}

// ViewerURL returns base with the user ID added as the id query parameter.
func (s SessionIdentity) ViewerURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid viewer base URL: %w", err)
	}
	q := u.Query()
	q.Set("id", s.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
