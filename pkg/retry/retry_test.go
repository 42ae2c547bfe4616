package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	nebulaErrors "github.com/bardlex/nebula/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts int
		baseDelay   time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond},
		{"device", DeviceConfig(), 8, 250 * time.Millisecond},
		{"kafka", KafkaConfig(), 5, 50 * time.Millisecond},
		{"database", DatabaseConfig(), 3, 200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.maxAttempts)
			}
			if tt.config.BaseDelay != tt.baseDelay {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.baseDelay)
			}
			if tt.config.MaxDelay < tt.config.BaseDelay {
				t.Error("MaxDelay should not be below BaseDelay")
			}
		})
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	var retries []int
	config := fastConfig(3)
	config.OnRetry = func(attempt int, _ time.Duration, _ error) {
		retries = append(retries, attempt)
	}

	calls := 0
	err := Do(context.Background(), config, func() error {
		calls++
		if calls == 1 {
			return nebulaErrors.New(nebulaErrors.ErrorTypeNetwork, "dial_device", "connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if len(retries) != 1 || retries[0] != 1 {
		t.Errorf("OnRetry attempts = %v, want [1]", retries)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return nebulaErrors.New(nebulaErrors.ErrorTypeKafka, "publish", "broker unavailable")
	})
	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if !nebulaErrors.IsType(err, nebulaErrors.ErrorTypeInternal) {
		t.Error("Expected wrapped error to be internal type")
	}
	if nebulaErrors.GetContext(err)["max_attempts"] != 2 {
		t.Errorf("Expected max_attempts context, got %v", nebulaErrors.GetContext(err))
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return nebulaErrors.New(nebulaErrors.ErrorTypeInvalidJob, "submit_job", "zero target")
	})
	if calls != 1 {
		t.Errorf("Expected 1 call (no retry), got %d", calls)
	}
	if !nebulaErrors.IsType(err, nebulaErrors.ErrorTypeInvalidJob) {
		t.Errorf("Expected original invalid_job error, got %v", err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		Multiplier:  1,
	}

	err := Do(ctx, config, func() error {
		cancel()
		return nebulaErrors.New(nebulaErrors.ErrorTypeNetwork, "dial_device", "network error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (uint64, error) {
		calls++
		if calls < 3 {
			return 0, nebulaErrors.New(nebulaErrors.ErrorTypePoolExhausted, "call", "busy")
		}
		return 0xdeadbeef, nil
	})
	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("DoWithResult() = %x, want deadbeef", got)
	}
}

func TestDoWithResult_NilConfig(t *testing.T) {
	got, err := DoWithResult(context.Background(), nil, func() (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("DoWithResult(nil config) = %q, %v", got, err)
	}
}

func TestDo_PlainErrorNotRetried(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), fastConfig(3), func() error {
		calls++
		return errors.New("checksum mismatch")
	})
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
	}

	for _, tt := range tests {
		if got := config.calculateDelay(tt.attempt); got != tt.expected {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}

	config.Jitter = true
	for i := 0; i < 20; i++ {
		got := config.calculateDelay(1)
		if got < 200*time.Millisecond || got > 220*time.Millisecond {
			t.Fatalf("jittered delay %v outside [200ms, 220ms]", got)
		}
	}
}
