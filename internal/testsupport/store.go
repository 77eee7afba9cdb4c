package testsupport

import (
	"testing"

	"lockbox/internal/config"
	"lockbox/internal/journal"
)

// MustOpenJournal opens a journal.Journal for tests and registers cleanup.
func MustOpenJournal(t testing.TB, cfg *config.Config) *journal.Journal {
	t.Helper()

	j, err := journal.Open(cfg)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = j.Close()
	})
	return j
}
