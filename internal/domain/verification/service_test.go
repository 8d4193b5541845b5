package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/domain/auth/store"
	"cmail-server-go/internal/domain/eventbus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSender) last(t *testing.T) Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

type testService struct {
	svc    *Service
	codes  store.CodeStore[model.VerificationCode]
	sender *recordingSender
	clock  *fakeClock
}

func newTestService(t *testing.T, codes store.CodeStore[model.VerificationCode], configure func(*Options)) *testService {
	t.Helper()
	if codes == nil {
		codes = store.NewMemory[model.VerificationCode](store.Config{Namespace: "verification"})
	}
	t.Cleanup(func() { _ = codes.Close(context.Background()) })

	sender := &recordingSender{}
	bus := eventbus.NewAsyncEventBus(0, 0, nil)
	require.NoError(t, NewNotifier(sender, nil).Attach(bus))

	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	opts := Options{Codes: codes, Publisher: bus, Now: clock.Now}
	if configure != nil {
		configure(&opts)
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	return &testService{svc: svc, codes: codes, sender: sender, clock: clock}
}

func TestSendAndVerifyEmail(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)

	res, err := ts.svc.Send(ctx, SendRequest{
		Channel:  model.ChannelEmail,
		Target:   " Ada@Example.com ",
		Metadata: map[string]string{"client_id": model.PublicClientID},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", res.Target)
	assert.Empty(t, res.DevCode)
	assert.Equal(t, ts.clock.Now().Add(10*time.Minute), res.ExpiresAt)

	msg := ts.sender.last(t)
	assert.Equal(t, model.ChannelEmail, msg.Channel)
	assert.Len(t, msg.Code, 6)

	rec, err := ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "ada@example.com", Code: msg.Code})
	require.NoError(t, err)
	assert.Equal(t, model.PublicClientID, rec.Metadata["client_id"])

	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "ada@example.com", Code: msg.Code})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyClassification(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)

	_, err := ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550001111", Code: "123456", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ts.svc.Send(ctx, SendRequest{Channel: model.ChannelSMS, Target: "+1 555-000-1111", UserID: "u1"})
	require.NoError(t, err)
	code := ts.sender.last(t).Code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550001111", Code: wrong, UserID: "u1"})
	assert.ErrorIs(t, err, ErrMismatch)

	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550001111", Code: code, UserID: "u2"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Neither failure consumed the code.
	rec, err := ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550001111", Code: code, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
}

func TestVerifyExpiredDeletesCode(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)

	_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelSMS, Target: "+15550002222", UserID: "u1"})
	require.NoError(t, err)
	code := ts.sender.last(t).Code

	ts.clock.Advance(5*time.Minute + time.Millisecond)
	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550002222", Code: code, UserID: "u1"})
	assert.ErrorIs(t, err, ErrExpired)

	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550002222", Code: code, UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyDiscardsCodeAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, func(o *Options) { o.MaxAttempts = 3 })

	_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelEmail, Target: "g@example.com"})
	require.NoError(t, err)
	code := ts.sender.last(t).Code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "g@example.com", Code: wrong})
		assert.ErrorIs(t, err, ErrMismatch, "attempt %d", i+1)
	}
	rec, found, err := ts.codes.Get(ctx, codeKey(model.ChannelEmail, "g@example.com"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, rec.Attempts)

	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "g@example.com", Code: wrong})
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "g@example.com", Code: code})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResendResetsAttempts(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, func(o *Options) { o.MaxAttempts = 2 })

	_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelSMS, Target: "+15550006666", UserID: "u"})
	require.NoError(t, err)
	wrong := "000000"
	if ts.sender.last(t).Code == wrong {
		wrong = "111111"
	}
	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550006666", Code: wrong, UserID: "u"})
	assert.ErrorIs(t, err, ErrMismatch)

	_, err = ts.svc.Resend(ctx, SendRequest{Channel: model.ChannelSMS, Target: "+15550006666", UserID: "u"})
	require.NoError(t, err)
	fresh := ts.sender.last(t).Code
	wrong = "000000"
	if fresh == wrong {
		wrong = "111111"
	}
	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550006666", Code: wrong, UserID: "u"})
	assert.ErrorIs(t, err, ErrMismatch)
	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelSMS, Target: "+15550006666", Code: fresh, UserID: "u"})
	assert.NoError(t, err)
}

func TestVerifyExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)

	_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelEmail, Target: "b@example.com"})
	require.NoError(t, err)
	ts.clock.Advance(10*time.Minute - time.Millisecond)
	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "b@example.com", Code: ts.sender.last(t).Code})
	assert.NoError(t, err)
}

func TestSecondSendInvalidatesFirst(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	codes := store.NewRedis[model.VerificationCode](client, store.Config{
		Namespace: "verification",
		Redis:     &store.RedisConfig{Prefix: "test:"},
		Grace:     time.Minute,
	})

	for _, resend := range []bool{false, true} {
		ts := newTestService(t, codes, nil)
		send := ts.svc.Send
		if resend {
			send = ts.svc.Resend
		}

		_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelEmail, Target: "c@example.com"})
		require.NoError(t, err)
		first := ts.sender.last(t).Code

		var second string
		for {
			_, err = send(ctx, SendRequest{Channel: model.ChannelEmail, Target: "c@example.com"})
			require.NoError(t, err)
			second = ts.sender.last(t).Code
			if second != first {
				break
			}
		}

		_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "c@example.com", Code: first})
		assert.ErrorIs(t, err, ErrMismatch)
		_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "c@example.com", Code: second})
		assert.NoError(t, err)
	}
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)
	_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelEmail, Target: "d@example.com"})
	require.NoError(t, err)
	code := ts.sender.last(t).Code

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "d@example.com", Code: code})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestDeliveryFailureDoesNotBlockIssuance(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)
	ts.sender.err = errors.New("smtp unavailable")

	_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelEmail, Target: "e@example.com"})
	require.NoError(t, err)

	_, err = ts.svc.Verify(ctx, VerifyRequest{Channel: model.ChannelEmail, Target: "e@example.com", Code: ts.sender.last(t).Code})
	assert.NoError(t, err)
}

func TestDevEchoAndDigits(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, func(o *Options) {
		o.DevEcho = true
		o.Digits = 4
	})
	res, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelSMS, Target: "+15550003333", UserID: "u"})
	require.NoError(t, err)
	assert.Len(t, res.DevCode, 4)
	assert.Equal(t, ts.sender.last(t).Code, res.DevCode)
	assert.Equal(t, ts.clock.Now().Add(5*time.Minute), res.ExpiresAt)

	_, err = NewService(Options{Codes: ts.codes, Digits: 8})
	assert.Error(t, err)
}

func TestInvalidTargets(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)

	for _, req := range []SendRequest{
		{Channel: model.ChannelEmail, Target: ""},
		{Channel: model.ChannelEmail, Target: "not-an-email"},
		{Channel: model.ChannelEmail, Target: "Ada <ada@example.com>"},
		{Channel: model.ChannelSMS, Target: "12"},
		{Channel: model.ChannelSMS, Target: "call me"},
		{Channel: "fax", Target: "+15550004444"},
	} {
		_, err := ts.svc.Send(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidTarget, "target %q", req.Target)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t, nil, nil)

	_, err := ts.svc.Send(ctx, SendRequest{Channel: model.ChannelSMS, Target: "+15550005555", UserID: "u"})
	require.NoError(t, err)
	_, err = ts.svc.Send(ctx, SendRequest{Channel: model.ChannelEmail, Target: "f@example.com"})
	require.NoError(t, err)

	ts.clock.Advance(6 * time.Minute)
	n, err := ts.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err := ts.codes.Get(ctx, codeKey(model.ChannelEmail, "f@example.com"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunStopsOnCancel(t *testing.T) {
	ts := newTestService(t, nil, func(o *Options) { o.SweepInterval = 5 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.svc.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}

func TestMaskTarget(t *testing.T) {
	assert.Equal(t, "a***@example.com", MaskTarget(model.ChannelEmail, "ada@example.com"))
	assert.Equal(t, "***", MaskTarget(model.ChannelEmail, "broken"))
	assert.Equal(t, "********1111", MaskTarget(model.ChannelSMS, "+15550001111"))
	assert.Equal(t, "***", MaskTarget(model.ChannelSMS, "123"))
}
