package models

import "testing"

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusQueued, StatusFailed, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusQueued, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusSucceeded, false},
		{StatusCancelled, StatusRunning, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for status, want := range map[JobStatus]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
