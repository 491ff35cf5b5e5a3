package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GridSettle/internal/chain"
	"GridSettle/internal/observability"
)

// ErrUnknownWallet marks an address with no registered prosumer. Events for
// unknown wallets are dropped without retry; a late-registering wallet will
// not retroactively receive replayed events.
var ErrUnknownWallet = errors.New("unknown wallet")

// Registry resolves wallet addresses to local prosumer identities and their
// signing keys. Lookups hit a small in-process cache first; registrations
// change rarely enough that the cache is never invalidated, only grown.
type Registry struct {
	db *sql.DB

	mu      sync.RWMutex
	ids     map[string]uuid.UUID
	signers map[string]*chain.Signer

	log zerolog.Logger
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:      db,
		ids:     make(map[string]uuid.UUID),
		signers: make(map[string]*chain.Signer),
		log:     observability.NewLogger("identity"),
	}
}

// FindProsumerIDByWallet resolves a wallet address to the local prosumer id.
func (r *Registry) FindProsumerIDByWallet(ctx context.Context, wallet string) (uuid.UUID, error) {
	wallet = strings.ToLower(wallet)

	r.mu.RLock()
	if id, ok := r.ids[wallet]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		SELECT prosumer_id FROM grid.prosumers WHERE LOWER(wallet_address) = $1
	`, wallet).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("prosumer lookup: %w", err)
	}

	r.mu.Lock()
	r.ids[wallet] = id
	r.mu.Unlock()
	return id, nil
}

// FindSigner resolves a wallet address to its signing key.
func (r *Registry) FindSigner(ctx context.Context, wallet string) (*chain.Signer, error) {
	wallet = strings.ToLower(wallet)

	r.mu.RLock()
	if s, ok := r.signers[wallet]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	var keyHex string
	err := r.db.QueryRowContext(ctx, `
		SELECT signer_key FROM grid.prosumers WHERE LOWER(wallet_address) = $1
	`, wallet).Scan(&keyHex)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("signer lookup: %w", err)
	}

	signer, err := chain.FromPrivateKeyHex(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer key for %s: %w", wallet, err)
	}

	r.mu.Lock()
	r.signers[wallet] = signer
	r.mu.Unlock()
	return signer, nil
}
