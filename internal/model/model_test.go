package model

import "testing"

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext  string
		want bool
	}{
		{".mp4", true},
		{".MOV", true},
		{".MxF", true},
		{".m2ts", true},
		{".txt", false},
		{".mp3", false},
		{"", false},
		{"mp4", false},
	}
	for _, tt := range tests {
		if got := ExtensionAllowed(tt.ext); got != tt.want {
			t.Errorf("ExtensionAllowed(%q) = %v, want %v", tt.ext, got, tt.want)
		}
	}
}

func TestJob_IsTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		j := &Job{Status: tt.status}
		if got := j.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
