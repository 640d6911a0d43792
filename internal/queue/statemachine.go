package queue

// statemachine.go: operation lifecycle transition rules.
//
//	PENDING ─────────────► SYNCING ──────────────► SYNCED
//	 ▲  ▲      (drain)        │        (apply ok)
//	 │  │                     │
//	 │  └─────────────────────┤ apply failed, retries left
//	 │                        │
//	 │                        ▼ apply failed, ceiling reached
//	 └──── (RetryFailed) ── FAILED

// ValidTransition reports whether from → to is a legal status change.
//
// Queue methods drive every transition through setStatus, which refuses
// anything this function rejects.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSyncing
	case StatusSyncing:
		return to == StatusSynced || to == StatusPending || to == StatusFailed
	case StatusFailed:
		// Only a manual retry leaves the dead-letter set.
		return to == StatusPending
	case StatusSynced:
		return false
	}
	return false
}
