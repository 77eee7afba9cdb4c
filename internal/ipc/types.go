package ipc

import (
	"lockbox/internal/daemon"
	"lockbox/internal/journal"
)

// serviceName is the net/rpc receiver name shared by server and client.
const serviceName = "Lockbox"

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse wraps the daemon status snapshot.
type StatusResponse struct {
	Status daemon.Status `json:"status"`
}

// LockRequest starts a lock run. Overrides are applied to the final stage.
type LockRequest struct {
	Overrides map[string]any `json:"overrides,omitempty"`
	Wait      bool           `json:"wait"`
	// TimeoutMillis bounds a waiting request; the run is cancelled when it
	// expires. Zero waits indefinitely.
	TimeoutMillis int64 `json:"timeout_ms,omitempty"`
}

// LockResponse reports the started run and, when waited for, its result.
type LockResponse struct {
	RunID  string `json:"run_id"`
	Waited bool   `json:"waited"`
	Locked bool   `json:"locked"`
}

// UnlockRequest disengages every output.
type UnlockRequest struct {
	KeepOffset bool `json:"keep_offset"`
}

// StateResponse reports the lockbox state after a control request.
type StateResponse struct {
	State string `json:"state"`
}

// SweepRequest starts the default sweep output.
type SweepRequest struct{}

// RelockRequest locks only when the lockbox is neither locked nor locking.
type RelockRequest struct{}

// RelockResponse reports whether the lockbox ended up locked.
type RelockResponse struct {
	Locked bool `json:"locked"`
}

// AutoLockRequest toggles the autolocker. A zero interval keeps the current
// one.
type AutoLockRequest struct {
	Enabled        bool  `json:"enabled"`
	IntervalMillis int64 `json:"interval_ms,omitempty"`
}

// AutoLockResponse reports the autolocker after the change.
type AutoLockResponse struct {
	AutoLock daemon.AutoLockStatus `json:"autolock"`
}

// StageRequest enables one sequence stage and holds it.
type StageRequest struct {
	Index int `json:"index"`
}

// PauseRequest suspends the active run.
type PauseRequest struct{}

// ResumeRequest continues a paused run.
type ResumeRequest struct{}

// HistoryRequest lists journaled runs, newest first.
type HistoryRequest struct {
	Limit int `json:"limit"`
}

// HistoryResponse contains journaled runs.
type HistoryResponse struct {
	Runs []journal.Run `json:"runs"`
}

// TestNotificationRequest triggers a test notification.
type TestNotificationRequest struct{}

// TestNotificationResponse reports whether a notification was sent.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
