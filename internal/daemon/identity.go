package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"firestige.xyz/vl1/internal/core/crypto"
)

// ReadIdentityFile reads an identity in its text form.
func ReadIdentityFile(path string) (crypto.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crypto.Identity{}, err
	}
	id, err := crypto.ParseIdentity(string(data))
	if err != nil {
		return crypto.Identity{}, fmt.Errorf("identity file %s: %w", path, err)
	}
	return id, nil
}

// WriteIdentityFile writes id, with its secret when present, readable only by the owner.
func WriteIdentityFile(path string, id crypto.Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(id.SecretString()+"\n"), 0o600)
}

// LoadOrCreateIdentity reads the secret identity at path, generating and saving a
// new one when the file does not exist. created reports the latter.
func LoadOrCreateIdentity(path string) (id crypto.Identity, created bool, err error) {
	id, err = ReadIdentityFile(path)
	switch {
	case err == nil:
		if !id.HasSecret() {
			return crypto.Identity{}, false, fmt.Errorf("identity file %s holds no secret", path)
		}
		return id, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return crypto.Identity{}, false, err
	}

	id, err = crypto.Generate()
	if err != nil {
		return crypto.Identity{}, false, err
	}
	if err := WriteIdentityFile(path, id); err != nil {
		return crypto.Identity{}, false, fmt.Errorf("save identity: %w", err)
	}
	return id, true, nil
}
