package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/postalsys/freeviewer/internal/protocol"
)

const (
	// KeySize is the size of ChaCha20-Poly1305 keys in bytes.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = chacha20poly1305.Overhead

	// EncryptionOverhead is the overhead of Encrypt: nonce prepended, tag appended.
	EncryptionOverhead = NonceSize + TagSize

	// ReplayWindow is how far behind the highest accepted counter a message
	// may arrive and still be accepted once.
	ReplayWindow = 64
)

var (
	// ErrKeyZeroed is returned after the key has been wiped.
	ErrKeyZeroed = errors.New("session key zeroed")

	// ErrNonceExhausted is returned when the send counter would wrap.
	ErrNonceExhausted = errors.New("nonce counter exhausted")
)

// SessionKey holds the symmetric key and nonce state of one session.
// It is safe for concurrent use.
//
// Nonce format: [4 bytes direction][8 bytes counter]. The client sends with
// direction 0x00000000, the host with 0x80000000, so the two directions
// never share a nonce under the same key.
type SessionKey struct {
	mu sync.Mutex

	key  [KeySize]byte
	aead cipher.AEAD

	sendPrefix byte
	recvPrefix byte
	sendNonce  uint64
	replay     replayWindow
	zeroed     bool
}

// NewSessionKey creates a session key for the client (isClient) or host side.
func NewSessionKey(key [KeySize]byte, isClient bool) (*SessionKey, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	sk := &SessionKey{key: key, aead: aead}
	if isClient {
		sk.recvPrefix = 0x80
	} else {
		sk.sendPrefix = 0x80
	}
	return sk, nil
}

// Seal encrypts plaintext with the next send nonce. ad is authenticated
// but not encrypted.
func (s *SessionKey) Seal(ad, plaintext []byte) ([NonceSize]byte, []byte, error) {
	var nonce [NonceSize]byte

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.zeroed {
		return nonce, nil, ErrKeyZeroed
	}
	if s.sendNonce == math.MaxUint64 {
		return nonce, nil, ErrNonceExhausted
	}

	nonce[0] = s.sendPrefix
	binary.BigEndian.PutUint64(nonce[4:], s.sendNonce)
	s.sendNonce++

	return nonce, s.aead.Seal(nil, nonce[:], plaintext, ad), nil
}

// Open verifies and decrypts ciphertext. The tag is checked before the
// replay window is updated, so forged messages never advance state. Every
// failure returns an error wrapping protocol.ErrAuthTagInvalid.
func (s *SessionKey) Open(nonce [NonceSize]byte, ad, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.zeroed {
		return nil, ErrKeyZeroed
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", protocol.ErrAuthTagInvalid)
	}
	if nonce[0] != s.recvPrefix || nonce[1] != 0 || nonce[2] != 0 || nonce[3] != 0 {
		return nil, fmt.Errorf("%w: wrong nonce direction", protocol.ErrAuthTagInvalid)
	}

	counter := binary.BigEndian.Uint64(nonce[4:])
	if !s.replay.check(counter) {
		return nil, fmt.Errorf("%w: replayed or stale nonce %d", protocol.ErrAuthTagInvalid, counter)
	}

	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrAuthTagInvalid, err)
	}

	s.replay.accept(counter)
	return plaintext, nil
}

// Encrypt seals plaintext and returns nonce || ciphertext || tag.
func (s *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, sealed, err := s.Seal(nil, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce[:]...)
	return append(out, sealed...), nil
}

// Decrypt opens a message produced by Encrypt.
func (s *SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < EncryptionOverhead {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", protocol.ErrAuthTagInvalid, len(ciphertext))
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	return s.Open(nonce, nil, ciphertext[NonceSize:])
}

// SentCount returns the number of messages sealed so far.
func (s *SessionKey) SentCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendNonce
}

// Zero wipes the key. Further Seal and Open calls fail with ErrKeyZeroed.
func (s *SessionKey) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()

	zeroBytes(s.key[:])
	s.aead = nil
	s.zeroed = true
}

// IsZeroed reports whether Zero has been called.
func (s *SessionKey) IsZeroed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroed
}

// replayWindow is a sliding bitmap of recently accepted counters.
type replayWindow struct {
	started bool
	highest uint64
	bitmap  uint64
}

func (w *replayWindow) check(n uint64) bool {
	if !w.started || n > w.highest {
		return true
	}
	diff := w.highest - n
	if diff >= ReplayWindow {
		return false
	}
	return w.bitmap&(1<<diff) == 0
}

func (w *replayWindow) accept(n uint64) {
	if !w.started {
		w.started = true
		w.highest = n
		w.bitmap = 1
		return
	}
	if n > w.highest {
		shift := n - w.highest
		if shift >= ReplayWindow {
			w.bitmap = 1
		} else {
			w.bitmap = w.bitmap<<shift | 1
		}
		w.highest = n
		return
	}
	w.bitmap |= 1 << (w.highest - n)
}
