package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/storage"
)

type trackedEvent struct {
	UserID string
	Name   string
	Data   map[string]any
}

type fakeTracker struct {
	mu         sync.Mutex
	events     []trackedEvent
	identified map[string]map[string]any
	err        error
}

func (f *fakeTracker) Track(ctx context.Context, userID, eventName string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, trackedEvent{UserID: userID, Name: eventName, Data: data})
	return nil
}

func (f *fakeTracker) Identify(ctx context.Context, userID string, attributes map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.identified == nil {
		f.identified = map[string]map[string]any{}
	}
	f.identified[userID] = attributes
	return nil
}

func TestTrackRecordsAudit(t *testing.T) {
	tracker := &fakeTracker{}
	store := storage.NewMemoryStore()
	svc := NewService(tracker, store, zerolog.Nop())

	if err := svc.Track(context.Background(), "user-1", EventDashboardViewed, map[string]any{"page": "dashboard"}); err != nil {
		t.Fatal(err)
	}

	if len(tracker.events) != 1 || tracker.events[0].Name != EventDashboardViewed {
		t.Fatalf("tracked = %+v", tracker.events)
	}
	events, err := store.ListAuditEvents(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventName != EventDashboardViewed || events[0].Metadata["page"] != "dashboard" {
		t.Errorf("audit = %+v", events)
	}
}

func TestTrackValidation(t *testing.T) {
	svc := NewService(&fakeTracker{}, storage.NewMemoryStore(), zerolog.Nop())

	tests := []struct {
		name      string
		userID    string
		eventName string
	}{
		{"missing user", "", EventUserChurned},
		{"missing event", "user-1", ""},
		{"blank event", "user-1", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Track(context.Background(), tt.userID, tt.eventName, nil); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestTrackFailureSkipsAudit(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(&fakeTracker{err: errors.New("503")}, store, zerolog.Nop())

	if err := svc.Track(context.Background(), "user-1", EventUserChurned, nil); err == nil {
		t.Fatal("expected tracker error")
	}
	events, _ := store.ListAuditEvents(context.Background(), "user-1", 10)
	if len(events) != 0 {
		t.Errorf("expected no audit entry, got %d", len(events))
	}

	// Best effort never panics or propagates.
	svc.TrackBestEffort(context.Background(), "user-1", EventUserChurned, nil)
}

func TestIdentify(t *testing.T) {
	tracker := &fakeTracker{}
	svc := NewService(tracker, storage.NewMemoryStore(), zerolog.Nop())

	u := storage.User{ID: "user-1", Email: "ada@example.com", Name: "Ada", CreatedAt: time.Unix(1700000000, 0)}
	if err := svc.Identify(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	attrs := tracker.identified["user-1"]
	if attrs["email"] != "ada@example.com" || attrs["name"] != "Ada" || attrs["created_at"] != int64(1700000000) {
		t.Errorf("attrs = %v", attrs)
	}
	if _, ok := attrs["job"]; ok {
		t.Error("empty job should be omitted")
	}
}
