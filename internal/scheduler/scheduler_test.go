package scheduler

import "testing"

func TestAddJobValidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("*/5 * * * *", func() {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("invalid cron expression should be rejected")
	}
}
