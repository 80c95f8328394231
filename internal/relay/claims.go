package relay

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/store"
)

// Claims binds each MachineID to the registration secret of the first host
// that registered it. Only a digest of the secret is stored.
type Claims struct {
	mu sync.Mutex
	kv store.Store
}

// NewClaims creates a claim registry on kv.
func NewClaims(kv store.Store) *Claims {
	return &Claims{kv: kv}
}

func claimKey(id identity.MachineID) string {
	return "claims/" + id.String()
}

// Claim records secret as the owner of id, or verifies it against an
// existing claim. A different secret yields ErrIDCollision.
func (c *Claims) Claim(id identity.MachineID, secret []byte) error {
	if len(secret) < 16 {
		return fmt.Errorf("%w: registration secret too short", protocol.ErrAuthFailed)
	}
	digest := sha256.Sum256(secret)

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, err := c.kv.Get(claimKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return c.kv.Put(claimKey(id), digest[:])
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(stored, digest[:]) != 1 {
		return fmt.Errorf("%w: %s", protocol.ErrIDCollision, id)
	}
	return nil
}

// Release forgets the claim on id.
func (c *Claims) Release(id identity.MachineID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv.Delete(claimKey(id))
}
