package cipher

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "shepherd/pkg/domain-errors"
)

func material(b byte) []byte {
	return bytes.Repeat([]byte{b}, MinKeyMaterial)
}

func newTestCipher(t *testing.T, opts ...Option) (*Cipher, *StaticKeyProvider) {
	t.Helper()
	provider := NewStaticKeyProvider(Key{Version: 1, Material: material(0x11)})
	c, err := New(context.Background(), provider, opts...)
	require.NoError(t, err)
	return c, provider
}

var noteCtx = Context{Purpose: "counseling", ResourceID: "rec-1"}

func TestRoundTrip(t *testing.T) {
	c, _ := newTestCipher(t)
	ctx := context.Background()

	t.Run("decrypt returns the original plaintext", func(t *testing.T) {
		env, err := c.Encrypt(ctx, []byte("prayed about job loss"), noteCtx)
		require.NoError(t, err)
		assert.Equal(t, KeyVersion(1), env.KeyVersion)
		assert.Equal(t, blobFormat, env.Blob[0])
		assert.NotContains(t, string(env.Blob), "job loss")

		plain, err := c.Decrypt(ctx, env, noteCtx)
		require.NoError(t, err)
		assert.Equal(t, "prayed about job loss", string(plain))
	})

	t.Run("same plaintext seals differently each time", func(t *testing.T) {
		a, err := c.Encrypt(ctx, []byte("x"), noteCtx)
		require.NoError(t, err)
		b, err := c.Encrypt(ctx, []byte("x"), noteCtx)
		require.NoError(t, err)
		assert.NotEqual(t, a.Blob, b.Blob)
	})

	t.Run("empty plaintext round-trips", func(t *testing.T) {
		env, err := c.Encrypt(ctx, nil, noteCtx)
		require.NoError(t, err)
		plain, err := c.Decrypt(ctx, env, noteCtx)
		require.NoError(t, err)
		assert.Empty(t, plain)
	})
}

func TestDecryptFailures(t *testing.T) {
	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	c, _ := newTestCipher(t, WithMetrics(metrics), WithLogger(logger))
	ctx := context.Background()

	env, err := c.Encrypt(ctx, []byte("tithe 500"), noteCtx)
	require.NoError(t, err)

	cases := []struct {
		name   string
		env    Envelope
		ec     Context
		reason string
	}{
		{"tampered ciphertext", Envelope{KeyVersion: 1, Blob: flipLast(env.Blob)}, noteCtx, "authentication_failed"},
		{"blob moved to another record", env, Context{Purpose: "counseling", ResourceID: "rec-2"}, "authentication_failed"},
		{"truncated blob", Envelope{KeyVersion: 1, Blob: env.Blob[:8]}, noteCtx, "truncated"},
		{"unknown format byte", Envelope{KeyVersion: 1, Blob: withFirst(env.Blob, 0x09)}, noteCtx, "unknown_format"},
		{"stored version disagrees with header", Envelope{KeyVersion: 7, Blob: env.Blob}, noteCtx, "version_mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plain, err := c.Decrypt(ctx, tc.env, tc.ec)
			require.Error(t, err)
			assert.Nil(t, plain)

			var decErr *DecryptionError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, tc.ec.ResourceID, decErr.ResourceID)
			assert.Equal(t, tc.reason, decErr.Reason)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryptionFailure))
		})
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DecryptFailures.WithLabelValues("authentication_failed")))
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
	assert.NotContains(t, logs.String(), "tithe")
}

func flipLast(b []byte) []byte {
	out := bytes.Clone(b)
	out[len(out)-1] ^= 0xff
	return out
}

func withFirst(b []byte, v byte) []byte {
	out := bytes.Clone(b)
	out[0] = v
	return out
}

func TestRotation(t *testing.T) {
	ctx := context.Background()

	t.Run("records sealed before rotation still open", func(t *testing.T) {
		c, provider := newTestCipher(t)
		old, err := c.Encrypt(ctx, []byte("before"), noteCtx)
		require.NoError(t, err)

		provider.SetCurrent(Key{Version: 2, Material: material(0x22)})
		active, err := c.Rotate(ctx)
		require.NoError(t, err)
		assert.Equal(t, KeyVersion(2), active)
		assert.Equal(t, []KeyVersion{1, 2}, c.Versions())

		fresh, err := c.Encrypt(ctx, []byte("after"), noteCtx)
		require.NoError(t, err)
		assert.Equal(t, KeyVersion(2), fresh.KeyVersion)

		plain, err := c.Decrypt(ctx, old, noteCtx)
		require.NoError(t, err)
		assert.Equal(t, "before", string(plain))
	})

	t.Run("retired version no longer opens", func(t *testing.T) {
		c, provider := newTestCipher(t)
		old, err := c.Encrypt(ctx, []byte("before"), noteCtx)
		require.NoError(t, err)
		provider.SetCurrent(Key{Version: 2, Material: material(0x22)})
		_, err = c.Rotate(ctx)
		require.NoError(t, err)

		require.NoError(t, c.Retire(ctx, 1))
		_, err = c.Decrypt(ctx, old, noteCtx)
		var decErr *DecryptionError
		require.True(t, errors.As(err, &decErr))
		assert.Equal(t, "unknown_key_version", decErr.Reason)
	})

	t.Run("active version cannot be retired", func(t *testing.T) {
		c, _ := newTestCipher(t)
		err := c.Retire(ctx, 1)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("version reuse with different material is refused", func(t *testing.T) {
		c, provider := newTestCipher(t)
		provider.SetCurrent(Key{Version: 1, Material: material(0x99)})
		_, err := c.Rotate(ctx)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		assert.Equal(t, KeyVersion(1), c.ActiveVersion())
	})

	t.Run("short key material is refused", func(t *testing.T) {
		_, err := New(ctx, NewStaticKeyProvider(Key{Version: 1, Material: []byte("short")}))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("encrypts racing a rotation all decrypt", func(t *testing.T) {
		c, provider := newTestCipher(t)
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			out []Envelope
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					env, err := c.Encrypt(ctx, []byte("payload"), noteCtx)
					assert.NoError(t, err)
					mu.Lock()
					out = append(out, env)
					mu.Unlock()
				}
			}()
		}
		provider.SetCurrent(Key{Version: 2, Material: material(0x22)})
		_, err := c.Rotate(ctx)
		require.NoError(t, err)
		wg.Wait()

		for _, env := range out {
			plain, err := c.Decrypt(ctx, env, noteCtx)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(plain))
		}
	})
}

func TestKeyProviders(t *testing.T) {
	ctx := context.Background()
	k1 := base64.StdEncoding.EncodeToString(material(0x11))
	k2 := base64.StdEncoding.EncodeToString(material(0x22))

	t.Run("env key list defaults to highest version", func(t *testing.T) {
		p, err := NewEnvKeyProvider("1:"+k1+", 2:"+k2, 0)
		require.NoError(t, err)
		current, err := p.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, KeyVersion(2), current.Version)
		retained, err := p.Retained(ctx)
		require.NoError(t, err)
		require.Len(t, retained, 1)
		assert.Equal(t, KeyVersion(1), retained[0].Version)
	})

	t.Run("env key list honors explicit active version", func(t *testing.T) {
		p, err := NewEnvKeyProvider("1:"+k1+",2:"+k2, 1)
		require.NoError(t, err)
		current, err := p.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, KeyVersion(1), current.Version)
	})

	t.Run("env key list rejects malformed entries", func(t *testing.T) {
		for _, list := range []string{"", "nope", "0:" + k1, "1:!!!", "1:" + k1 + ",2:" + k2 + ":x"} {
			_, err := NewEnvKeyProvider(list, 0)
			assert.Error(t, err, list)
		}
		_, err := NewEnvKeyProvider("1:"+k1, 3)
		assert.Error(t, err)
	})

	t.Run("file provider picks up a replaced file on rotate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys.yaml")
		require.NoError(t, os.WriteFile(path, []byte("active: 1\nkeys:\n  - version: 1\n    material: "+k1+"\n"), 0o600))

		c, err := New(ctx, NewFileKeyProvider(path))
		require.NoError(t, err)
		old, err := c.Encrypt(ctx, []byte("v1 data"), noteCtx)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(path, []byte("active: 2\nkeys:\n  - version: 1\n    material: "+k1+"\n  - version: 2\n    material: "+k2+"\n"), 0o600))
		active, err := c.Rotate(ctx)
		require.NoError(t, err)
		assert.Equal(t, KeyVersion(2), active)

		plain, err := c.Decrypt(ctx, old, noteCtx)
		require.NoError(t, err)
		assert.Equal(t, "v1 data", string(plain))
	})
}
