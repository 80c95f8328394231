package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/store"
)

func TestNewMachineID_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := NewMachineID()
		require.NoError(t, err)
		require.True(t, id.Valid(), "id %d out of range", id)
		require.Len(t, id.String(), 9)
	}
}

func TestParseMachineID(t *testing.T) {
	tests := []struct {
		in      string
		want    MachineID
		wantErr bool
	}{
		{"123456789", 123456789, false},
		{"123 456 789", 123456789, false},
		{" 123-456-789 ", 123456789, false},
		{"12345678", 0, true},
		{"1234567890", 0, true},
		{"012345678", 0, true},
		{"12345678a", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMachineID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMachineID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMachineID_Format(t *testing.T) {
	id := MachineID(123456789)
	assert.Equal(t, "123456789", id.String())
	assert.Equal(t, "123 456 789", id.Format())

	text, err := id.MarshalText()
	require.NoError(t, err)
	var back MachineID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
}

func TestGetOrCreateMachineID_Persists(t *testing.T) {
	kv := store.NewMemoryStore()
	var claims int

	id, created, err := GetOrCreateMachineID(context.Background(), kv, func(ctx context.Context, id MachineID) error {
		claims++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, id.Valid())
	assert.Equal(t, 1, claims)

	again, created, err := GetOrCreateMachineID(context.Background(), kv, func(ctx context.Context, id MachineID) error {
		t.Fatal("claim must not run for a persisted ID")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
}

func TestGetOrCreateMachineID_RetriesOnCollision(t *testing.T) {
	kv := store.NewMemoryStore()
	var seen []MachineID

	id, _, err := GetOrCreateMachineID(context.Background(), kv, func(ctx context.Context, id MachineID) error {
		seen = append(seen, id)
		if len(seen) < 3 {
			return fmt.Errorf("%w: taken", protocol.ErrIDCollision)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, seen[2], id)

	stored, err := LoadMachineID(kv)
	require.NoError(t, err)
	assert.Equal(t, id, stored)
}

func TestGetOrCreateMachineID_Exhausted(t *testing.T) {
	kv := store.NewMemoryStore()
	var attempts int

	_, _, err := GetOrCreateMachineID(context.Background(), kv, func(ctx context.Context, id MachineID) error {
		attempts++
		return protocol.ErrIDCollision
	})
	assert.ErrorIs(t, err, ErrIdentityExhausted)
	assert.Equal(t, MaxIDAttempts, attempts)

	_, err = LoadMachineID(kv)
	assert.ErrorIs(t, err, store.ErrNotFound, "unclaimed ID must not be persisted")
}

func TestGetOrCreateMachineID_ClaimError(t *testing.T) {
	kv := store.NewMemoryStore()
	boom := errors.New("relay unreachable")

	_, _, err := GetOrCreateMachineID(context.Background(), kv, func(ctx context.Context, id MachineID) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestResetMachineID(t *testing.T) {
	kv := store.NewMemoryStore()
	require.NoError(t, StoreMachineID(kv, 123456789))
	require.NoError(t, ResetMachineID(kv))
	_, err := LoadMachineID(kv)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadOrCreateSecret(t *testing.T) {
	kv := store.NewMemoryStore()

	s1, err := LoadOrCreateSecret(kv)
	require.NoError(t, err)
	assert.Len(t, s1, SecretSize)

	s2, err := LoadOrCreateSecret(kv)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestGeneratePassword_Policy(t *testing.T) {
	policy := PasswordPolicy{Length: 7, Charset: DefaultCharset}
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		pw, err := GeneratePassword(policy)
		require.NoError(t, err)
		require.Len(t, pw, 7)
		for _, r := range pw {
			require.True(t, strings.ContainsRune(DefaultCharset, r), "unexpected rune %q", r)
		}
		seen[pw] = true
	}
	assert.Greater(t, len(seen), 190, "passwords should rarely repeat")
}

func TestPasswordPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPasswordPolicy().Validate())
	assert.ErrorIs(t, PasswordPolicy{Length: 3, Charset: DefaultCharset}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, PasswordPolicy{Length: 8, Charset: "abc"}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, PasswordPolicy{Length: 8, Charset: DefaultCharset, RotateInterval: -1}.Validate(), ErrInvalidPolicy)
}

func TestCredentials_Rotate(t *testing.T) {
	creds, err := NewCredentials(DefaultPasswordPolicy())
	require.NoError(t, err)

	first, gen1 := creds.Current()
	var notified atomic.Int32
	creds.OnRotate(func(password string, generation uint64) {
		notified.Add(1)
	})

	second, err := creds.Rotate(creds.Policy())
	require.NoError(t, err)
	current, gen2 := creds.Current()

	assert.Equal(t, second, current)
	assert.Equal(t, gen1+1, gen2)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(1), notified.Load())
}

func TestCredentials_RotateWithPolicy(t *testing.T) {
	creds, err := NewCredentials(DefaultPasswordPolicy())
	require.NoError(t, err)

	digits := PasswordPolicy{Length: 12, Charset: "0123456789", RotateInterval: time.Minute}
	pw, err := creds.Rotate(digits)
	require.NoError(t, err)
	assert.Len(t, pw, 12)
	for _, r := range pw {
		assert.Contains(t, digits.Charset, string(r))
	}
	assert.Equal(t, digits, creds.Policy())

	// A rejected policy keeps the password and the policy in place.
	_, gen := creds.Current()
	_, err = creds.Rotate(PasswordPolicy{Length: 2, Charset: DefaultCharset})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	current, after := creds.Current()
	assert.Equal(t, pw, current)
	assert.Equal(t, gen, after)
	assert.Equal(t, digits, creds.Policy())
}

func TestCredentials_RunRotatesOnlyWhenIdle(t *testing.T) {
	policy := DefaultPasswordPolicy()
	policy.RotateInterval = 10 * time.Millisecond
	creds, err := NewCredentials(policy)
	require.NoError(t, err)

	var idle atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		creds.Run(ctx, idle.Load)
		close(done)
	}()

	_, start := creds.Current()
	time.Sleep(60 * time.Millisecond)
	_, busy := creds.Current()
	assert.Equal(t, start, busy, "no rotation while sessions are active")

	idle.Store(true)
	require.Eventually(t, func() bool {
		_, gen := creds.Current()
		return gen > start
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
