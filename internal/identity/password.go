package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultCharset omits glyphs that are easy to confuse when read aloud or
// copied by hand (0/o, 1/l/i).
const DefaultCharset = "abcdefghjkmnpqrstuvwxyz23456789"

// ErrInvalidPolicy is returned for an unusable password policy.
var ErrInvalidPolicy = errors.New("invalid password policy")

// PasswordPolicy controls how session passwords are generated and rotated.
type PasswordPolicy struct {
	Length  int    `yaml:"length"`
	Charset string `yaml:"charset"`

	// RotateInterval rotates the password periodically while the host is
	// idle. Zero disables periodic rotation.
	RotateInterval time.Duration `yaml:"rotate_interval"`
}

// DefaultPasswordPolicy returns an 8-character policy rotated every 30 minutes.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		Length:         8,
		Charset:        DefaultCharset,
		RotateInterval: 30 * time.Minute,
	}
}

// Validate checks the policy.
func (p PasswordPolicy) Validate() error {
	if p.Length < 6 || p.Length > 64 {
		return fmt.Errorf("%w: length must be between 6 and 64", ErrInvalidPolicy)
	}
	if len(p.Charset) < 10 {
		return fmt.Errorf("%w: charset needs at least 10 characters", ErrInvalidPolicy)
	}
	if p.RotateInterval < 0 {
		return fmt.Errorf("%w: negative rotate interval", ErrInvalidPolicy)
	}
	return nil
}

// GeneratePassword returns a uniformly random password under policy.
func GeneratePassword(policy PasswordPolicy) (string, error) {
	if err := policy.Validate(); err != nil {
		return "", err
	}

	charset := []rune(policy.Charset)
	limit := big.NewInt(int64(len(charset)))
	out := make([]rune, policy.Length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}

// Credentials holds the host's current session password.
// It is safe for concurrent use.
type Credentials struct {
	mu         sync.RWMutex
	policy     PasswordPolicy
	password   string
	generation uint64
	rotatedAt  time.Time
	listeners  []func(password string, generation uint64)
}

// NewCredentials creates credentials with a freshly generated password.
func NewCredentials(policy PasswordPolicy) (*Credentials, error) {
	c := &Credentials{}
	if _, err := c.Rotate(policy); err != nil {
		return nil, err
	}
	return c, nil
}

// Policy returns the policy of the current password.
func (c *Credentials) Policy() PasswordPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// Current returns the active password and its generation.
func (c *Credentials) Current() (string, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.password, c.generation
}

// RotatedAt returns the time of the last rotation.
func (c *Credentials) RotatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rotatedAt
}

// Rotate replaces the password with one generated under policy, which
// becomes the policy for later rotations. The previous password stops being
// accepted for new handshakes immediately. An invalid policy leaves the
// current password in place.
func (c *Credentials) Rotate(policy PasswordPolicy) (string, error) {
	password, err := GeneratePassword(policy)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.policy = policy
	c.password = password
	c.generation++
	c.rotatedAt = time.Now()
	gen := c.generation
	listeners := append([]func(string, uint64){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(password, gen)
	}
	return password, nil
}

// OnRotate registers fn to be called after every rotation.
func (c *Credentials) OnRotate(fn func(password string, generation uint64)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Run rotates the password every policy.RotateInterval while idle reports
// true. The interval is read once at start. It returns when ctx is
// cancelled.
func (c *Credentials) Run(ctx context.Context, idle func() bool) error {
	interval := c.Policy().RotateInterval
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if idle != nil && !idle() {
				continue
			}
			if _, err := c.Rotate(c.Policy()); err != nil {
				return err
			}
		}
	}
}
