package signing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talefront/aegis/pkg/errors"
	"github.com/talefront/aegis/pkg/logger"
)

type memNonces struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemNonces() *memNonces { return &memNonces{data: map[string]string{}} }

func (m *memNonces) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *memNonces) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

var secret = []byte("test-secret")

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v := NewVerifier(newMemNonces(), Config{}, logger.NewNop())
	v.RegisterKey("k1", secret)
	return v
}

func signedRequest(nonce string, ts time.Time) *SignedRequest {
	payload := []byte(`{"action":"send_message"}`)
	return &SignedRequest{
		KeyID:     "k1",
		Timestamp: ts.Unix(),
		Nonce:     nonce,
		Payload:   payload,
		Signature: Sign(secret, ts.Unix(), nonce, payload),
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	req := signedRequest("n1", time.Now())
	assert.NoError(t, v.Verify(context.Background(), req))
}

func TestVerifyReplayFails(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()
	req := signedRequest("n1", time.Now())

	require.NoError(t, v.Verify(ctx, req))
	err := v.Verify(ctx, req)
	assert.ErrorIs(t, err, errors.ErrReplay)
}

func TestVerifyStaleTimestamp(t *testing.T) {
	v := newTestVerifier(t)
	req := signedRequest("n1", time.Now().Add(-10*time.Minute))
	err := v.Verify(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrSignature)
}

func TestVerifyFutureTimestampBeyondSkew(t *testing.T) {
	v := newTestVerifier(t)

	// Inside the clock-skew allowance: fine.
	req := signedRequest("n1", time.Now().Add(10*time.Second))
	assert.NoError(t, v.Verify(context.Background(), req))

	// Beyond it: rejected.
	req = signedRequest("n2", time.Now().Add(2*time.Minute))
	err := v.Verify(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrSignature)
}

func TestVerifyUnknownKey(t *testing.T) {
	v := newTestVerifier(t)
	req := signedRequest("n1", time.Now())
	req.KeyID = "missing"
	err := v.Verify(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestVerifyRevokedKey(t *testing.T) {
	v := newTestVerifier(t)
	require.NoError(t, v.RevokeKey("k1"))

	req := signedRequest("n1", time.Now())
	err := v.Verify(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrSignature)
}

func TestVerifyTamperedPayload(t *testing.T) {
	v := newTestVerifier(t)
	req := signedRequest("n1", time.Now())
	req.Payload = []byte(`{"action":"delete_account"}`)
	err := v.Verify(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrSignature)
}

func TestFailedVerificationDoesNotBurnNonce(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()

	bad := signedRequest("n1", time.Now())
	bad.Signature = "deadbeef"
	require.ErrorIs(t, v.Verify(ctx, bad), errors.ErrSignature)

	// The nonce was never marked used, so the legitimate request still
	// verifies.
	good := signedRequest("n1", time.Now())
	assert.NoError(t, v.Verify(ctx, good))
}

func TestConcurrentDuplicateOnlyOneWins(t *testing.T) {
	v := newTestVerifier(t)
	req := signedRequest("n1", time.Now())

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.Verify(context.Background(), req)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, replays int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrReplay):
			replays++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one concurrent duplicate may succeed")
	assert.Equal(t, n-1, replays)
}

func TestRevokeUnknownKey(t *testing.T) {
	v := newTestVerifier(t)
	assert.ErrorIs(t, v.RevokeKey("missing"), errors.ErrNotFound)
}
