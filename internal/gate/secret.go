package gate

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fyrsmithlabs/devgate/internal/config"
)

// ErrMissingSecret is returned when no signing secret is configured.
var ErrMissingSecret = errors.New("gate secret not configured")

const (
	secretSize    = 32
	maxSecretFile = 4096
)

// LoadSecret resolves the signing secret: the configured value (GATE_SECRET)
// wins, then the secret file, which must be readable only by its owner.
func LoadSecret(cfg config.GateConfig) ([]byte, error) {
	if cfg.Secret.IsSet() {
		return []byte(strings.TrimSpace(cfg.Secret.Value())), nil
	}
	if cfg.SecretFile == "" {
		return nil, ErrMissingSecret
	}

	f, err := os.Open(cfg.SecretFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrMissingSecret, cfg.SecretFile)
		}
		return nil, fmt.Errorf("opening secret file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat secret file: %w", err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
			return nil, fmt.Errorf("insecure secret file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxSecretFile {
		return nil, fmt.Errorf("secret file too large: %d bytes", info.Size())
	}

	buf, err := io.ReadAll(io.LimitReader(f, maxSecretFile))
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	secret := strings.TrimSpace(string(buf))
	if secret == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingSecret, cfg.SecretFile)
	}
	return []byte(secret), nil
}

// InitSecretFile writes a fresh random secret to path with 0600 permissions.
// An existing file is left alone unless force is set.
func InitSecretFile(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("secret file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secret dir: %w", err)
	}

	key := make([]byte, secretSize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("creating secret file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("writing secret file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("setting secret file mode: %w", err)
	}
	return f.Close()
}
