package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStopsEarly(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(errors.New("bad data"))
	})
	if err == nil || err.Error() != "bad data" {
		t.Fatalf("Retry returned %v, want bad data", err)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRateLimiterWait(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	// The first token is available immediately.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
}

func TestTradingCalendarSessions(t *testing.T) {
	cal := NewTradingCalendar(nil)
	// 2024-01-06 is a Saturday.
	days := cal.Sessions(time.Date(2024, 1, 6, 15, 0, 0, 0, time.UTC), 3)
	want := []string{"2024-01-08", "2024-01-09", "2024-01-10"}
	if len(days) != len(want) {
		t.Fatalf("Sessions returned %d days, want %d", len(days), len(want))
	}
	for i, d := range days {
		if got := d.Format("2006-01-02"); got != want[i] {
			t.Errorf("day %d = %s, want %s", i, got, want[i])
		}
	}
	if next := cal.NextTradingDay(time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)); next.Weekday() != time.Monday {
		t.Errorf("NextTradingDay(Friday) = %v, want Monday", next.Weekday())
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "warn", "text").Info("hidden")
	newLogger(&buf, "warn", "text").Warn("shown", "job", "j1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "job=j1") {
		t.Errorf("text handler output missing attribute: %q", out)
	}
}
