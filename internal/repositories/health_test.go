package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
)

func TestHealthCheckerAllHealthy(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	checker, err := NewHealthChecker([]DependencyProbe{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewHealthChecker: %v", err)
	}
	report := checker.Collect(context.Background())
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 || report.Checks["redis"].CheckedAt != now {
		t.Fatalf("unexpected checks %+v", report.Checks)
	}
}

func TestHealthCheckerDegradedAndTimeout(t *testing.T) {
	checker, err := NewHealthChecker([]DependencyProbe{
		{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	}, nil)
	if err != nil {
		t.Fatalf("NewHealthChecker: %v", err)
	}
	if report := checker.Collect(context.Background()); report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}

	checker, err = NewHealthChecker([]DependencyProbe{
		{Name: "firestore", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
	}, nil)
	if err != nil {
		t.Fatalf("NewHealthChecker: %v", err)
	}
	report := checker.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
	if report.Checks["firestore"].Status != domain.HealthStatusError {
		t.Fatalf("expected firestore probe error, got %+v", report.Checks["firestore"])
	}
}

func TestNewHealthCheckerRejectsUnnamedProbe(t *testing.T) {
	if _, err := NewHealthChecker([]DependencyProbe{{Check: func(context.Context) error { return nil }}}, nil); err == nil {
		t.Fatalf("expected error for unnamed probe")
	}
}
