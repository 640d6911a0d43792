package status_test

import (
	"testing"

	"github.com/snehjoshi/opsync/internal/status"
	"github.com/snehjoshi/opsync/internal/types"
)

func TestReporter_PublishNotifiesSubscribers(t *testing.T) {
	r := status.NewReporter()
	var got []status.Snapshot
	unsub := r.Subscribe(func(s status.Snapshot) { got = append(got, s) })

	r.Publish(status.Snapshot{Online: true})
	r.Publish(status.Snapshot{Online: true, Syncing: true, SyncProgress: 50})

	if len(got) != 2 {
		t.Fatalf("want 2 notifications, got %d", len(got))
	}
	if !got[1].Syncing || got[1].SyncProgress != 50 {
		t.Errorf("second snapshot: %+v", got[1])
	}
	if latest := r.Latest(); latest.SyncProgress != 50 {
		t.Errorf("Latest: want progress 50, got %v", latest.SyncProgress)
	}

	unsub()
	unsub()
	r.Publish(status.Snapshot{})
	if len(got) != 2 {
		t.Fatalf("listener called after unsubscribe")
	}
	if r.Subscribers() != 0 {
		t.Errorf("Subscribers: want 0, got %d", r.Subscribers())
	}
}

func TestSnapshot_Counts(t *testing.T) {
	s := status.Snapshot{
		Queued: []*types.Operation{
			{ID: 1, Status: types.StatusSyncing},
			{ID: 2, Status: types.StatusPending},
			{ID: 3, Status: types.StatusPending},
		},
		Failed: []*types.Operation{{ID: 4, Status: types.StatusFailed}},
	}
	c := s.Counts()
	if c.Pending != 2 || c.Syncing != 1 || c.Failed != 1 || c.Total != 4 {
		t.Fatalf("Counts: got %+v", c)
	}
}
