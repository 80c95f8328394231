// Package crypto implements the FreeViewer session cryptography: a SPAKE2
// password-authenticated key exchange over edwards25519 and a
// ChaCha20-Poly1305 session key with direction-split nonces and replay
// protection.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/postalsys/freeviewer/internal/protocol"
)

const (
	// ElementSize is the encoded size of a SPAKE2 message.
	ElementSize = 32

	// MACSize is the size of a key confirmation MAC.
	MACSize = sha256.Size

	pakeContext  = "FreeViewer-SPAKE2-v1"
	passwordSalt = "freeviewer-pake-v1"
	keyInfo      = "freeviewer session keys v1"
)

// Role selects the SPAKE2 side.
type Role uint8

const (
	// RoleClient is the side that initiates the session.
	RoleClient Role = iota + 1
	// RoleHost is the side that owns the password.
	RoleHost
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleHost:
		return "host"
	default:
		return "unknown"
	}
}

// Argon2Params tunes the password-stretching step.
type Argon2Params struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory_kib"`
	Threads uint8  `yaml:"threads"`
}

// DefaultArgon2Params returns interactive-login strength parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 2, Memory: 19 * 1024, Threads: 1}
}

// Fixed SPAKE2 blinding points with no known discrete log.
var (
	pointM = hashToPoint("FreeViewer SPAKE2 point M")
	pointN = hashToPoint("FreeViewer SPAKE2 point N")
)

// hashToPoint derives a prime-order point from label by try-and-increment.
func hashToPoint(label string) *edwards25519.Point {
	identity := edwards25519.NewIdentityPoint()
	var ctr [4]byte
	for i := uint32(0); ; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)
		h := sha512.New()
		h.Write([]byte(label))
		h.Write(ctr[:])
		sum := h.Sum(nil)

		p, err := new(edwards25519.Point).SetBytes(sum[:32])
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if p.Equal(identity) == 1 {
			continue
		}
		return p
	}
}

// Exchange is one side of a SPAKE2 run. It is single use.
type Exchange struct {
	role      Role
	machineID uint32
	sessionID []byte

	w       *edwards25519.Scalar
	secret  *edwards25519.Scalar
	message []byte
}

// NewExchange starts a SPAKE2 exchange bound to the host's machine ID and
// the session ID. The password never leaves this function in any form an
// observer could test offline.
func NewExchange(role Role, password string, machineID uint32, sessionID []byte, params Argon2Params) (*Exchange, error) {
	if role != RoleClient && role != RoleHost {
		return nil, fmt.Errorf("invalid role %d", role)
	}

	w, err := passwordScalar(password, machineID, sessionID, params)
	if err != nil {
		return nil, err
	}
	secret, err := randomScalar()
	if err != nil {
		return nil, err
	}

	blind := pointM
	if role == RoleHost {
		blind = pointN
	}

	// T = secret*B + w*blind
	t := new(edwards25519.Point).ScalarBaseMult(secret)
	t.Add(t, new(edwards25519.Point).ScalarMult(w, blind))

	return &Exchange{
		role:      role,
		machineID: machineID,
		sessionID: append([]byte(nil), sessionID...),
		w:         w,
		secret:    secret,
		message:   t.Bytes(),
	}, nil
}

// Message returns this side's public element to send to the peer.
func (e *Exchange) Message() []byte {
	return append([]byte(nil), e.message...)
}

// Finish combines the peer's element and derives the session keys. A wrong
// password on either side yields keys that differ; the mismatch surfaces
// during key confirmation.
func (e *Exchange) Finish(peerMessage []byte) (*Keys, error) {
	if e.secret == nil {
		return nil, fmt.Errorf("exchange already finished")
	}
	defer e.wipe()

	if len(peerMessage) != ElementSize {
		return nil, fmt.Errorf("%w: peer element has %d bytes", protocol.ErrProtocolMismatch, len(peerMessage))
	}
	peer, err := new(edwards25519.Point).SetBytes(peerMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid peer element", protocol.ErrProtocolMismatch)
	}
	identity := edwards25519.NewIdentityPoint()
	if new(edwards25519.Point).MultByCofactor(peer).Equal(identity) == 1 {
		return nil, fmt.Errorf("%w: small-order peer element", protocol.ErrProtocolMismatch)
	}

	peerBlind := pointN
	if e.role == RoleHost {
		peerBlind = pointM
	}

	// K = 8 * secret * (peer - w*peerBlind)
	z := new(edwards25519.Point).Subtract(peer, new(edwards25519.Point).ScalarMult(e.w, peerBlind))
	k := new(edwards25519.Point).ScalarMult(e.secret, z)
	k.MultByCofactor(k)
	if k.Equal(identity) == 1 {
		return nil, fmt.Errorf("%w: degenerate shared element", protocol.ErrProtocolMismatch)
	}

	x, y := e.message, peerMessage
	if e.role == RoleHost {
		x, y = peerMessage, e.message
	}

	var id [4]byte
	binary.BigEndian.PutUint32(id[:], e.machineID)

	th := sha256.New()
	for _, part := range [][]byte{
		[]byte(pakeContext), id[:], e.sessionID,
		pointM.Bytes(), pointN.Bytes(),
		x, y, k.Bytes(), e.w.Bytes(),
	} {
		var l [8]byte
		binary.LittleEndian.PutUint64(l[:], uint64(len(part)))
		th.Write(l[:])
		th.Write(part)
	}

	keys := &Keys{role: e.role}
	copy(keys.transcript[:], th.Sum(nil))

	r := hkdf.New(sha256.New, keys.transcript[:], nil, []byte(keyInfo))
	for _, dst := range [][]byte{keys.session[:], keys.confirmClient[:], keys.confirmHost[:]} {
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, fmt.Errorf("derive keys: %w", err)
		}
	}
	return keys, nil
}

func (e *Exchange) wipe() {
	zero := edwards25519.NewScalar()
	e.secret.Set(zero)
	e.w.Set(zero)
	e.secret = nil
	e.w = nil
}

// Keys holds the output of a SPAKE2 exchange.
type Keys struct {
	role          Role
	transcript    [sha256.Size]byte
	session       [KeySize]byte
	confirmClient [KeySize]byte
	confirmHost   [KeySize]byte
}

// Confirmation returns this side's key confirmation MAC.
func (k *Keys) Confirmation() []byte {
	return k.mac(k.role)
}

// VerifyConfirmation checks the peer's key confirmation MAC.
func (k *Keys) VerifyConfirmation(mac []byte) error {
	peer := RoleHost
	if k.role == RoleHost {
		peer = RoleClient
	}
	if subtle.ConstantTimeCompare(mac, k.mac(peer)) != 1 {
		return protocol.ErrAuthFailed
	}
	return nil
}

func (k *Keys) mac(role Role) []byte {
	key := k.confirmClient[:]
	if role == RoleHost {
		key = k.confirmHost[:]
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(role.String()))
	h.Write(k.transcript[:])
	return h.Sum(nil)
}

// SessionKey builds the AEAD session key for this side.
func (k *Keys) SessionKey() (*SessionKey, error) {
	return NewSessionKey(k.session, k.role == RoleClient)
}

// Zero wipes all key material.
func (k *Keys) Zero() {
	zeroBytes(k.transcript[:])
	zeroBytes(k.session[:])
	zeroBytes(k.confirmClient[:])
	zeroBytes(k.confirmHost[:])
}

func passwordScalar(password string, machineID uint32, sessionID []byte, p Argon2Params) (*edwards25519.Scalar, error) {
	salt := make([]byte, 0, len(passwordSalt)+4+len(sessionID))
	salt = append(salt, passwordSalt...)
	salt = binary.BigEndian.AppendUint32(salt, machineID)
	salt = append(salt, sessionID...)

	wide := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, 64)
	defer zeroBytes(wide)

	w, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		return nil, fmt.Errorf("password scalar: %w", err)
	}
	return w, nil
}

func randomScalar() (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := io.ReadFull(rand.Reader, wide[:]); err != nil {
		return nil, fmt.Errorf("generate scalar: %w", err)
	}
	defer zeroBytes(wide[:])
	return edwards25519.NewScalar().SetUniformBytes(wide[:])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
