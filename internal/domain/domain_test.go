package domain

import "testing"

func TestArtifactDir(t *testing.T) {
	got := ArtifactDir("/var/lib/nebula/programs", "prog-1", 3)
	want := "/var/lib/nebula/programs/prog-1/3"
	if got != want {
		t.Fatalf("ArtifactDir() = %q, want %q", got, want)
	}
}

func TestPipelineStatusHasLiveProcess(t *testing.T) {
	cases := []struct {
		status PipelineStatus
		want   bool
	}{
		{PipelineStatusShutdown, false},
		{PipelineStatusFailed, false},
		{PipelineStatusProvisioning, true},
		{PipelineStatusInitializing, true},
		{PipelineStatusPaused, true},
		{PipelineStatusRunning, true},
		{PipelineStatusShuttingDown, true},
	}
	for _, tc := range cases {
		if got := tc.status.HasLiveProcess(); got != tc.want {
			t.Errorf("PipelineStatus(%q).HasLiveProcess() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestNewStructuredError(t *testing.T) {
	err := NewStructuredError(ErrorCodeWorkerPanic, "boom")
	if err.ErrorCode != ErrorCodeWorkerPanic {
		t.Fatalf("ErrorCode = %q, want %q", err.ErrorCode, ErrorCodeWorkerPanic)
	}
	if err.Message != "boom" {
		t.Fatalf("Message = %q, want %q", err.Message, "boom")
	}
	if err.Details != nil {
		t.Fatalf("Details = %v, want nil", err.Details)
	}
}

func TestWorkerPanicErrorCodeLiteral(t *testing.T) {
	// RuntimeError.WorkerPanic is part of the stable wire contract consumers
	// match against, so its literal value must never drift silently.
	if ErrorCodeWorkerPanic != "RuntimeError.WorkerPanic" {
		t.Fatalf("ErrorCodeWorkerPanic = %q, want %q", ErrorCodeWorkerPanic, "RuntimeError.WorkerPanic")
	}
}
