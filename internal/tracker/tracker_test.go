// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// fakeStore is an in-memory SessionStore recording lifecycle calls.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	creates  int
	updates  int
	closes   int
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*models.Session)}
}

func (f *fakeStore) takeErr() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeStore) CreateSession(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	cp := *s
	f.sessions[s.ID] = &cp
	f.creates++
	return nil
}

func (f *fakeStore) UpdateSession(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	cp := *s
	f.sessions[s.ID] = &cp
	f.updates++
	return nil
}

func (f *fakeStore) CloseSession(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	cp := *s
	f.sessions[s.ID] = &cp
	f.closes++
	return nil
}

func (f *fakeStore) OpenSessions(_ context.Context, serverID string) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.ServerID == serverID && s.Open() {
			out = append(out, *s)
		}
	}
	return out, nil
}

// fakeSink records emitted events.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Publish(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) byType(t EventType) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func snap(key, ratingKey, liveUUID string) models.PollSnapshot {
	return models.PollSnapshot{
		ServerID:     "srv-1",
		SessionKey:   key,
		RatingKey:    ratingKey,
		LiveUUID:     liveUUID,
		State:        models.StatePlaying,
		ServerUserID: "user-1",
		IPAddress:    "203.0.113.7",
	}
}

func newTestTracker() (*Tracker, *fakeStore, *fakeSink) {
	store := newFakeStore()
	sink := &fakeSink{}
	return New("srv-1", store, sink), store, sink
}

func TestProcessCreatesNewSession(t *testing.T) {
	tr, store, sink := newTestTracker()

	dec, err := tr.Process(context.Background(), snap("abc", "episode-100", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Action != ActionCreate {
		t.Errorf("action = %q, want create", dec.Action)
	}
	if dec.Session == nil || dec.Session.ID == "" {
		t.Fatal("create decision carries no session")
	}
	if store.creates != 1 {
		t.Errorf("store creates = %d, want 1", store.creates)
	}
	if got := len(sink.byType(EventSessionStarted)); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
}

func TestProcessConstantRatingKeyAlwaysUpdates(t *testing.T) {
	tr, store, _ := newTestTracker()
	ctx := context.Background()

	first, err := tr.Process(ctx, snap("abc", "episode-100", ""))
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}

	for i := 2; i <= 6; i++ {
		dec, err := tr.Process(ctx, snap("abc", "episode-100", ""))
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if dec.Action != ActionUpdate {
			t.Fatalf("poll %d action = %q, want update", i, dec.Action)
		}
		if dec.Session.ID != first.Session.ID {
			t.Fatalf("poll %d produced a different session", i)
		}
	}

	if store.creates != 1 {
		t.Errorf("store creates = %d, want 1", store.creates)
	}
	if tr.OpenCount() != 1 {
		t.Errorf("open sessions = %d, want 1", tr.OpenCount())
	}
}

func TestProcessChannelSurfKeepsSession(t *testing.T) {
	tr, store, sink := newTestTracker()
	ctx := context.Background()

	first, err := tr.Process(ctx, snap("abc", "channel-1", "live-abc"))
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}

	dec, err := tr.Process(ctx, snap("abc", "channel-2", "live-abc"))
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if dec.Action != ActionUpdate {
		t.Errorf("channel surf action = %q, want update", dec.Action)
	}
	if dec.Session.ID != first.Session.ID {
		t.Error("channel surf opened a second session")
	}
	if dec.Session.RatingKey != "channel-2" {
		t.Errorf("session rating key = %q, want current channel", dec.Session.RatingKey)
	}

	if store.creates != 1 {
		t.Errorf("store creates = %d, want 1", store.creates)
	}
	if got := len(sink.byType(EventSessionEnded)); got != 0 {
		t.Errorf("ended events = %d, want 0", got)
	}
}

func TestProcessMediaChangeClosesAndCreates(t *testing.T) {
	tr, store, sink := newTestTracker()
	ctx := context.Background()

	first, err := tr.Process(ctx, snap("abc", "episode-100", ""))
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}

	dec, err := tr.Process(ctx, snap("abc", "episode-101", ""))
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if dec.Action != ActionCreate {
		t.Errorf("action = %q, want create", dec.Action)
	}
	if dec.Session.ID == first.Session.ID {
		t.Error("media change reused the prior session")
	}

	if store.creates != 2 {
		t.Errorf("store creates = %d, want 2", store.creates)
	}
	ended := sink.byType(EventSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("ended events = %d, want 1", len(ended))
	}
	if ended[0].Reason != CloseReasonMediaChange {
		t.Errorf("close reason = %q, want media_change", ended[0].Reason)
	}
	if ended[0].Session.ID != first.Session.ID {
		t.Error("wrong session closed")
	}
	// Only one open session may hold the transport key.
	if tr.OpenCount() != 1 {
		t.Errorf("open sessions = %d, want 1", tr.OpenCount())
	}
}

func TestProcessDifferentLiveUUIDsCreates(t *testing.T) {
	tr, _, sink := newTestTracker()
	ctx := context.Background()

	if _, err := tr.Process(ctx, snap("abc", "channel-1", "live-abc")); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	dec, err := tr.Process(ctx, snap("abc", "channel-2", "live-def"))
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if dec.Action != ActionCreate {
		t.Errorf("new tune-in action = %q, want create", dec.Action)
	}
	if got := len(sink.byType(EventSessionEnded)); got != 1 {
		t.Errorf("ended events = %d, want 1", got)
	}
}

func TestProcessMissingRatingKeyAssumesUnchanged(t *testing.T) {
	tr, _, _ := newTestTracker()
	ctx := context.Background()

	if _, err := tr.Process(ctx, snap("abc", "episode-100", "")); err != nil {
		t.Fatalf("poll 1: %v", err)
	}

	// A poll with incomplete identity must not fragment the session.
	dec, err := tr.Process(ctx, snap("abc", "", ""))
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if dec.Action != ActionUpdate {
		t.Errorf("action = %q, want update", dec.Action)
	}
	if dec.Session.RatingKey != "episode-100" {
		t.Errorf("rating key lost: %q", dec.Session.RatingKey)
	}
}

func TestProcessCycleClosesAbsentKeys(t *testing.T) {
	tr, _, sink := newTestTracker()
	ctx := context.Background()

	stats, err := tr.ProcessCycle(ctx, []models.PollSnapshot{
		snap("abc", "episode-100", ""),
		snap("def", "movie-7", ""),
	})
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if stats.Created != 2 {
		t.Errorf("cycle 1 created = %d, want 2", stats.Created)
	}

	stats, err = tr.ProcessCycle(ctx, []models.PollSnapshot{
		snap("abc", "episode-100", ""),
	})
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if stats.Updated != 1 || stats.Closed != 1 {
		t.Errorf("cycle 2 = %+v, want 1 update 1 close", stats)
	}

	ended := sink.byType(EventSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("ended events = %d, want 1", len(ended))
	}
	if ended[0].Reason != CloseReasonAbsent {
		t.Errorf("close reason = %q, want absent", ended[0].Reason)
	}
	if tr.OpenCount() != 1 {
		t.Errorf("open sessions = %d, want 1", tr.OpenCount())
	}
}

func TestProcessCycleEmptyPollClosesEverything(t *testing.T) {
	tr, _, _ := newTestTracker()
	ctx := context.Background()

	if _, err := tr.ProcessCycle(ctx, []models.PollSnapshot{snap("abc", "e1", ""), snap("def", "e2", "")}); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	stats, err := tr.ProcessCycle(ctx, nil)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if stats.Closed != 2 {
		t.Errorf("closed = %d, want 2", stats.Closed)
	}
	if tr.OpenCount() != 0 {
		t.Errorf("open sessions = %d, want 0", tr.OpenCount())
	}
}

// End-to-end scenario from the product requirements: autoplay into the next
// episode yields two distinct sessions and zero updates.
func TestScenarioAutoplayEpisodes(t *testing.T) {
	tr, store, _ := newTestTracker()
	ctx := context.Background()

	d1, err := tr.Process(ctx, snap("abc", "episode-100", ""))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := tr.Process(ctx, snap("abc", "episode-101", ""))
	if err != nil {
		t.Fatal(err)
	}

	if d1.Action != ActionCreate || d2.Action != ActionCreate {
		t.Errorf("actions = %q, %q; want create, create", d1.Action, d2.Action)
	}
	if d1.Session.ID == d2.Session.ID {
		t.Error("expected two distinct sessions")
	}
	if store.updates != 0 {
		t.Errorf("updates = %d, want 0", store.updates)
	}
}

// End-to-end scenario: live TV channel surfing is one session with one update.
func TestScenarioLiveChannelSurf(t *testing.T) {
	tr, store, _ := newTestTracker()
	ctx := context.Background()

	d1, err := tr.Process(ctx, snap("abc", "channel-1", "live-abc"))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := tr.Process(ctx, snap("abc", "channel-2", "live-abc"))
	if err != nil {
		t.Fatal(err)
	}

	if d1.Action != ActionCreate || d2.Action != ActionUpdate {
		t.Errorf("actions = %q, %q; want create, update", d1.Action, d2.Action)
	}
	if store.creates != 1 || store.updates != 1 {
		t.Errorf("creates/updates = %d/%d, want 1/1", store.creates, store.updates)
	}
}

func TestRestoreSelfHealsDuplicateOpenSessions(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}

	old := &models.Session{
		ID: "old", ServerID: "srv-1", SessionKey: "abc",
		RatingKey: "episode-99", State: models.StatePlaying,
		StartedAt: time.Now().Add(-2 * time.Hour),
	}
	newer := &models.Session{
		ID: "new", ServerID: "srv-1", SessionKey: "abc",
		RatingKey: "episode-100", State: models.StatePlaying,
		StartedAt: time.Now().Add(-10 * time.Minute),
	}
	store.sessions[old.ID] = old
	store.sessions[newer.ID] = newer

	tr := New("srv-1", store, sink)
	if err := tr.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if tr.OpenCount() != 1 {
		t.Fatalf("open sessions after restore = %d, want 1", tr.OpenCount())
	}

	ended := sink.byType(EventSessionEnded)
	if len(ended) != 1 || ended[0].Session.ID != "old" {
		t.Fatalf("expected the older session closed, got %+v", ended)
	}
	if ended[0].Reason != CloseReasonSuperseded {
		t.Errorf("close reason = %q, want superseded", ended[0].Reason)
	}

	// The survivor must continue as an update.
	dec, err := tr.Process(context.Background(), snap("abc", "episode-100", ""))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionUpdate || dec.Session.ID != "new" {
		t.Errorf("post-restore decision = %q/%s, want update/new", dec.Action, dec.Session.ID)
	}
}

func TestProcessRejectsWrongServer(t *testing.T) {
	tr, _, _ := newTestTracker()

	s := snap("abc", "episode-100", "")
	s.ServerID = "srv-2"
	if _, err := tr.Process(context.Background(), s); !errors.Is(err, ErrWrongServer) {
		t.Errorf("err = %v, want ErrWrongServer", err)
	}
}

func TestProcessCreateStoreFailure(t *testing.T) {
	tr, store, _ := newTestTracker()
	store.failNext = errors.New("disk full")

	if _, err := tr.Process(context.Background(), snap("abc", "episode-100", "")); err == nil {
		t.Fatal("expected error from failing store")
	}
	// The key must remain claimable.
	dec, err := tr.Process(context.Background(), snap("abc", "episode-100", ""))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if dec.Action != ActionCreate {
		t.Errorf("retry action = %q, want create", dec.Action)
	}
}

func TestApplySnapshotIPChangeResetsGeo(t *testing.T) {
	tr, _, _ := newTestTracker()
	ctx := context.Background()

	dec, err := tr.Process(ctx, snap("abc", "episode-100", ""))
	if err != nil {
		t.Fatal(err)
	}
	dec.Session.Latitude = 40.7
	dec.Session.Longitude = -74.0
	dec.Session.City = "New York"
	dec.Session.Country = "United States"

	s2 := snap("abc", "episode-100", "")
	s2.IPAddress = "198.51.100.9"
	dec2, err := tr.Process(ctx, s2)
	if err != nil {
		t.Fatal(err)
	}

	if dec2.Session.IPAddress != "198.51.100.9" {
		t.Errorf("ip = %q", dec2.Session.IPAddress)
	}
	if dec2.Session.Latitude != 0 || dec2.Session.City != "" {
		t.Error("stale geolocation kept after IP change")
	}
}
