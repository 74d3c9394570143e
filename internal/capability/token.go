package capability

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/session"
)

// StoreDirName is the token store directory inside the git common dir.
const StoreDirName = ".gate_tokens"

// StoreDir returns the token store for a repository whose git common dir is
// commonDir. Linked worktrees share one store.
func StoreDir(commonDir string) string {
	return filepath.Join(commonDir, StoreDirName)
}

// Token is a single-use grant for one gate and one session.
type Token struct {
	Gate      string
	SessionID string
	Nonce     string
	CreatedAt time.Time
}

var noncePattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// TokenFileName is the file that holds the token for (gate, sessionID).
func TokenFileName(gate, sessionID string) string {
	return "subagent-" + gate + "-" + sessionID + ".token"
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Bytes renders the token as key: value lines.
func (t *Token) Bytes() []byte {
	r := session.NewRecord("")
	r.Set("gate", t.Gate)
	r.Set("session_id", t.SessionID)
	r.Set("nonce", t.Nonce)
	if !t.CreatedAt.IsZero() {
		r.Set("created_at", t.CreatedAt.UTC().Format(time.RFC3339))
	}
	return r.Bytes()
}

// ParseToken decodes a token file. created_at is optional.
func ParseToken(data []byte) (*Token, error) {
	r := session.ParseRecord(data)
	t := &Token{
		Gate:      r.Value("gate"),
		SessionID: r.Value("session_id"),
		Nonce:     r.Value("nonce"),
	}
	if t.Gate == "" || t.SessionID == "" {
		return nil, errors.New("token is missing gate or session_id")
	}
	if !noncePattern.MatchString(t.Nonce) {
		return nil, errors.New("token nonce is malformed")
	}
	if v := r.Value("created_at"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("token created_at: %w", err)
		}
		t.CreatedAt = ts
	}
	return t, nil
}
