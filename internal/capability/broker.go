package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/devgate/internal/logging"
	"github.com/fyrsmithlabs/devgate/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrNoToken is returned when no valid token exists for (gate, session).
	ErrNoToken = errors.New("no capability token")

	// ErrNotEligible is returned by Issue for evaluations that do not declare a gate role.
	ErrNotEligible = errors.New("evaluation is not a gate evaluation")

	// ErrNotPassed is returned by Issue when the evaluation did not pass.
	ErrNotPassed = errors.New("evaluation did not report PASS")
)

const maxTokenSize = 4096

// Broker issues and consumes capability tokens in one store directory.
type Broker struct {
	dir        string
	extraGates []string
	now        func() time.Time
	logger     *logging.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithExtraGates makes additional gate names eligible for tokens.
func WithExtraGates(gates []string) Option {
	return func(b *Broker) { b.extraGates = gates }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// NewBroker returns a broker for the store at dir (see StoreDir).
func NewBroker(dir string, opts ...Option) *Broker {
	b := &Broker{
		dir:    dir,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dir returns the store directory.
func (b *Broker) Dir() string { return b.dir }

func (b *Broker) path(gate, sessionID string) string {
	return filepath.Join(b.dir, TokenFileName(gate, sessionID))
}

// Issue writes a token for the evaluation's gate when the evaluation declares
// an eligible role and its decision is PASS. Nothing is written otherwise.
// A second issue for the same (gate, session) replaces the first.
func (b *Broker) Issue(ctx context.Context, ev Evaluation, sessionID string) (*Token, error) {
	gate, ok := ParseRole(ev.Description, b.extraGates)
	if !ok {
		return nil, ErrNotEligible
	}
	if !session.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	if d := ParseDecision(ev.Result); d != Pass {
		b.logger.Info(ctx, "gate evaluation did not pass, no token issued",
			zap.String("gate", gate), zap.Stringer("decision", d))
		return nil, ErrNotPassed
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	t := &Token{
		Gate:      gate,
		SessionID: sessionID,
		Nonce:     nonce,
		CreatedAt: b.now().UTC().Truncate(time.Second),
	}

	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating token store: %w", err)
	}
	if err := os.Chmod(b.dir, 0o700); err != nil {
		return nil, fmt.Errorf("securing token store: %w", err)
	}
	if err := session.AtomicWrite(b.path(gate, sessionID), t.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}

	b.logger.Info(ctx, "capability token issued", zap.String("gate", gate))
	return t, nil
}

// Consume destroys the token for (gate, sessionID) and then runs action.
// The token is gone even if action fails. When two callers race only the
// one whose removal succeeds runs its action; the other gets ErrNoToken.
func (b *Broker) Consume(ctx context.Context, gate, sessionID string, action func(context.Context) error) error {
	path := b.path(gate, sessionID)
	t, err := readToken(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn(ctx, "discarding malformed capability token",
				zap.String("gate", gate), zap.Error(err))
			_ = os.Remove(path)
		}
		return ErrNoToken
	}
	if t.Gate != gate || t.SessionID != sessionID {
		b.logger.Warn(ctx, "discarding mismatched capability token",
			zap.String("gate", gate), zap.String("token_gate", t.Gate))
		_ = os.Remove(path)
		return ErrNoToken
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoToken
		}
		return fmt.Errorf("removing token: %w", err)
	}
	b.logger.Info(ctx, "capability token consumed", zap.String("gate", gate))

	if action == nil {
		return nil
	}
	return action(ctx)
}

// Revoke destroys the token for (gate, sessionID) without running anything.
func (b *Broker) Revoke(ctx context.Context, gate, sessionID string) error {
	if err := os.Remove(b.path(gate, sessionID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoToken
		}
		return fmt.Errorf("revoking token: %w", err)
	}
	b.logger.Info(ctx, "capability token revoked", zap.String("gate", gate))
	return nil
}

// Lookup returns the token for (gate, sessionID) without consuming it.
func (b *Broker) Lookup(gate, sessionID string) (*Token, error) {
	t, err := readToken(b.path(gate, sessionID))
	if err != nil || t.Gate != gate || t.SessionID != sessionID {
		return nil, ErrNoToken
	}
	return t, nil
}

func readToken(path string) (*Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTokenSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxTokenSize {
		return nil, errors.New("token file too large")
	}
	return ParseToken(data)
}
