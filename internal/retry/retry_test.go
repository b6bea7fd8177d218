package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.c }

func newTestCoordinator(p Policy) (*Coordinator, *recordingTimer) {
	timer := &recordingTimer{}
	return NewCoordinator(p, zap.NewNop(), WithTimer(timer)), timer
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	c, timer := newTestCoordinator(DefaultPolicy())

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, timer.delays, "no wait before the first attempt")
}

func TestExecute_ExhaustsAfterMaxAttempts(t *testing.T) {
	c, timer := newTestCoordinator(DefaultPolicy())
	boom := errors.New("smtp down")

	var attempts []int
	err := c.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return boom
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2, 3}, attempts)

	require.Len(t, timer.delays, 2)
	assert.GreaterOrEqual(t, timer.delays[0], 800*time.Millisecond)
	assert.LessOrEqual(t, timer.delays[0], 1200*time.Millisecond)
	assert.GreaterOrEqual(t, timer.delays[1], 1600*time.Millisecond)
	assert.LessOrEqual(t, timer.delays[1], 2400*time.Millisecond)
}

func TestExecute_RecoversOnLaterAttempt(t *testing.T) {
	c, _ := newTestCoordinator(DefaultPolicy())

	err := c.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
}

func TestExecute_RetryIfStopsOnPermanentError(t *testing.T) {
	p := DefaultPolicy()
	p.RetryIf = IsRetryable
	c, timer := newTestCoordinator(p)

	calls := 0
	err := c.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("invalid recipient")
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, timer.delays)
}

func TestExecute_ContextCancelledDuringWait(t *testing.T) {
	c := NewCoordinator(Policy{MaxAttempts: 3, InitialDelay: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Execute(ctx, func(ctx context.Context, attempt int) error {
			return errors.New("fail")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		var exhausted *ExhaustedError
		assert.False(t, errors.As(err, &exhausted))
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestNewBackOff_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration // un-jittered delays before attempts 2, 3, 4
	}{
		{
			name:   "defaults",
			policy: DefaultPolicy(),
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:   "capped at max",
			policy: Policy{MaxAttempts: 4, InitialDelay: 40 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 2, Jitter: 0.2},
			want:   []time.Duration{40 * time.Second, 60 * time.Second, 60 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(tt.policy, zap.NewNop())
			for run := 0; run < 50; run++ {
				b := c.NewBackOff()
				for i, base := range tt.want {
					d := b.NextBackOff()
					lo := time.Duration(float64(base) * 0.8)
					hi := time.Duration(float64(base) * 1.2)
					require.GreaterOrEqual(t, d, lo-time.Millisecond, "delay %d", i)
					require.LessOrEqual(t, d, hi+time.Millisecond, "delay %d", i)
					require.Zero(t, d%time.Millisecond, "delay %d not whole milliseconds", i)
				}
			}
		})
	}
}

type httpErr int

func (e httpErr) Error() string   { return http.StatusText(int(e)) }
func (e httpErr) StatusCode() int { return int(e) }

type smtpErr int

func (e smtpErr) Error() string { return "smtp reply" }
func (e smtpErr) SMTPCode() int { return int(e) }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"http 503", httpErr(503), true},
		{"http 429", httpErr(429), true},
		{"http 400", httpErr(400), false},
		{"wrapped http 502", errors.Join(errors.New("send"), httpErr(502)), true},
		{"smtp 421", smtpErr(421), true},
		{"smtp 550", smtpErr(550), false},
		{"plain", errors.New("template not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
