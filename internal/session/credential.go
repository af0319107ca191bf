package session

import (
	"os"
	"strings"
)

// ReadCredential returns the stored auth token for a session, or ""
// when none is saved yet.
func ReadCredential(name string) (string, error) {
	data, err := os.ReadFile(CredentialPath(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteCredential stores the auth token for a session, readable only by
// the owning user.
func WriteCredential(name, token string) error {
	if err := EnsureDir(name); err != nil {
		return err
	}
	return os.WriteFile(CredentialPath(name), []byte(token+"\n"), 0600)
}
