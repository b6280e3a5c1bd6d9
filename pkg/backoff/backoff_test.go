// pkg/backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/kalshi-stream/pkg/backoff"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

func fast(maxElapsed time.Duration) backoff.Config {
	return backoff.Config{
		InitialInterval:     5 * time.Millisecond,
		RandomizationFactor: 0.01,
		Multiplier:          1,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      maxElapsed,
	}
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	log, _ := logger.New(logger.Config{Level: "debug", DevMode: true})
	called := 0
	err := backoff.Execute(context.Background(), "test", backoff.Config{MaxElapsedTime: time.Second}, log, func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	log, _ := logger.New(logger.Config{Level: "debug", DevMode: true})
	attemptsBeforeSuccess := 3
	called := 0
	err := backoff.Execute(context.Background(), "test", fast(time.Second), log, func(ctx context.Context) error {
		called++
		if called < attemptsBeforeSuccess {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != attemptsBeforeSuccess {
		t.Errorf("expected %d attempts, got %d", attemptsBeforeSuccess, called)
	}
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	log, _ := logger.New(logger.Config{Level: "debug", DevMode: true})
	called := 0
	err := backoff.Execute(context.Background(), "test", fast(30*time.Millisecond), log, func(ctx context.Context) error {
		called++
		return errors.New("always fail")
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if maxErr.Attempts != called {
		t.Errorf("attempts mismatch: ErrMaxRetries.Attempts=%d, actual=%d", maxErr.Attempts, called)
	}
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	log := logger.Nop()
	sentinel := errors.New("bad key")
	called := 0
	err := backoff.Execute(context.Background(), "test", fast(time.Second), log, func(ctx context.Context) error {
		called++
		return backoff.Permanent(sentinel)
	})
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
	var maxErr *backoff.ErrMaxRetries
	if errors.As(err, &maxErr) {
		t.Error("permanent error must not be reported as ErrMaxRetries")
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := backoff.Execute(ctx, "test", fast(0), logger.Nop(), func(ctx context.Context) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     backoff.Config
		wantErr bool
	}{
		{"zero", backoff.Config{}, false},
		{"jitter too big", backoff.Config{RandomizationFactor: 1.5}, true},
		{"multiplier below one", backoff.Config{Multiplier: 0.5}, true},
		{"negative elapsed", backoff.Config{MaxElapsedTime: -time.Second}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.cfg.Validate(); (err != nil) != c.wantErr {
				t.Errorf("Validate() = %v; wantErr %v", err, c.wantErr)
			}
		})
	}
}
