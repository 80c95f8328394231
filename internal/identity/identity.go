// Package identity manages the machine identity of a FreeViewer host: the
// persisted nine-digit MachineID, the relay registration secret, and the
// short-lived session password.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/store"
)

const (
	// MinMachineID and MaxMachineID bound the nine-digit ID space.
	MinMachineID = 100000000
	MaxMachineID = 999999999

	// MaxIDAttempts bounds ID regeneration after relay collisions.
	MaxIDAttempts = 5

	// SecretSize is the size of the relay registration secret.
	SecretSize = 32

	keyMachineID = "identity/machine_id"
	keySecret    = "identity/registration_secret"
)

var (
	// ErrInvalidMachineID is returned for IDs outside the nine-digit range.
	ErrInvalidMachineID = errors.New("invalid machine ID: expected 9 digits")

	// ErrIdentityExhausted is returned when every generated ID collided.
	ErrIdentityExhausted = errors.New("identity exhausted: could not claim a machine ID")
)

// MachineID is the stable public identifier of a host.
type MachineID uint32

// NewMachineID generates a random MachineID using crypto/rand.
func NewMachineID() (MachineID, error) {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate machine ID: %w", err)
	}
	span := uint64(MaxMachineID - MinMachineID + 1)
	return MachineID(MinMachineID + binary.BigEndian.Uint64(b[:])%span), nil
}

// ParseMachineID parses "123456789" or "123 456 789".
func ParseMachineID(s string) (MachineID, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 9 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMachineID, s)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMachineID, err)
	}
	id := MachineID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMachineID, s)
	}
	return id, nil
}

// Valid reports whether id is inside the nine-digit range.
func (id MachineID) Valid() bool {
	return id >= MinMachineID && id <= MaxMachineID
}

// String returns the nine digits.
func (id MachineID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Format returns the grouped display form, e.g. "123 456 789".
func (id MachineID) Format() string {
	s := id.String()
	if len(s) != 9 {
		return s
	}
	return s[0:3] + " " + s[3:6] + " " + s[6:9]
}

// MarshalText implements encoding.TextMarshaler.
func (id MachineID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *MachineID) UnmarshalText(text []byte) error {
	parsed, err := ParseMachineID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// LoadMachineID reads the persisted ID. It returns store.ErrNotFound when
// the host has not claimed an ID yet.
func LoadMachineID(kv store.Store) (MachineID, error) {
	data, err := kv.Get(keyMachineID)
	if err != nil {
		return 0, err
	}
	return ParseMachineID(string(data))
}

// StoreMachineID persists id.
func StoreMachineID(kv store.Store, id MachineID) error {
	if !id.Valid() {
		return ErrInvalidMachineID
	}
	if err := kv.Put(keyMachineID, []byte(id.String())); err != nil {
		return fmt.Errorf("failed to persist machine ID: %w", err)
	}
	return nil
}

// ResetMachineID forgets the persisted ID so the next start claims a new one.
func ResetMachineID(kv store.Store) error {
	return kv.Delete(keyMachineID)
}

// ClaimFunc registers a candidate ID with the relay. It returns an error
// wrapping protocol.ErrIDCollision when the ID belongs to someone else.
type ClaimFunc func(ctx context.Context, id MachineID) error

// GetOrCreateMachineID returns the persisted ID, or generates and claims a
// new one. A collision reported by claim triggers a retry with a fresh
// random value, up to MaxIDAttempts. The ID is persisted only once claimed.
func GetOrCreateMachineID(ctx context.Context, kv store.Store, claim ClaimFunc) (MachineID, bool, error) {
	id, err := LoadMachineID(kv)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, false, err
	}

	for attempt := 0; attempt < MaxIDAttempts; attempt++ {
		id, err = NewMachineID()
		if err != nil {
			return 0, false, err
		}

		if claim != nil {
			err = claim(ctx, id)
			if errors.Is(err, protocol.ErrIDCollision) {
				continue
			}
			if err != nil {
				return 0, false, err
			}
		}

		if err := StoreMachineID(kv, id); err != nil {
			return 0, false, err
		}
		return id, true, nil
	}

	return 0, false, ErrIdentityExhausted
}

// LoadOrCreateSecret returns the persisted relay registration secret,
// generating one on first use.
func LoadOrCreateSecret(kv store.Store) ([]byte, error) {
	secret, err := kv.Get(keySecret)
	if err == nil && len(secret) == SecretSize {
		return secret, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	secret = make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate registration secret: %w", err)
	}
	if err := kv.Put(keySecret, secret); err != nil {
		return nil, fmt.Errorf("failed to persist registration secret: %w", err)
	}
	return secret, nil
}
