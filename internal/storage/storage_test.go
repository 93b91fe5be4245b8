/*
Package storage provides tests for the storage layer.
*/
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s := &SQLiteStorage{
		dbPath:  filepath.Join(t.TempDir(), "test.db"),
		enabled: true,
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestInit verifies database initialization and schema creation.
func TestInit(t *testing.T) {
	s := newTestStorage(t)

	if _, err := os.Stat(s.dbPath); os.IsNotExist(err) {
		t.Error("Database file not created")
	}
	if !s.Enabled() {
		t.Error("Storage should be enabled after Init")
	}

	// Second Init is a no-op.
	if err := s.Init(); err != nil {
		t.Errorf("second Init failed: %v", err)
	}
}

// TestNewStorageCustomPath verifies the path argument is honored.
func TestNewStorageCustomPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "engine.db")
	s := NewStorage(path, nil)
	if s.dbPath != path {
		t.Errorf("Expected path %s, got %s", path, s.dbPath)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Database file not created: %v", err)
	}
}

// TestDisabledStorage verifies graceful degradation.
func TestDisabledStorage(t *testing.T) {
	s := &SQLiteStorage{enabled: false}
	ctx := context.Background()

	if err := s.Init(); err != nil {
		t.Errorf("Init on disabled storage should not error: %v", err)
	}
	if err := s.SaveFeatureVector(ctx, FeatureVectorRow{OwnerEventID: "e1", Version: 1}); err != nil {
		t.Errorf("SaveFeatureVector should be a no-op: %v", err)
	}
	if _, err := s.GetFeatureVector(ctx, "e1", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadUserModels(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	records, err := s.ListDecisionRecords(ctx, "", time.Time{}, 10)
	if err != nil || len(records) != 0 {
		t.Errorf("Expected empty list, got %d records (err %v)", len(records), err)
	}
	claimed, err := s.ClaimDueRewards(ctx, time.Now(), 10)
	if err != nil || len(claimed) != 0 {
		t.Errorf("Expected nothing claimed, got %d (err %v)", len(claimed), err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close should be a no-op: %v", err)
	}
}

// TestFeatureVectorFirstWriteWins verifies (owner, version) uniqueness.
func TestFeatureVectorFirstWriteWins(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first := FeatureVectorRow{
		OwnerEventID: "evt-1",
		Version:      1,
		UserID:       "u1",
		ActionKey:    "mid|0.20|8|1|1.00",
		Values:       []float64{0.1, 0.2, 0.3},
		CreatedAt:    time.Now(),
	}
	if err := s.SaveFeatureVector(ctx, first); err != nil {
		t.Fatalf("SaveFeatureVector failed: %v", err)
	}

	second := first
	second.Values = []float64{9, 9, 9}
	if err := s.SaveFeatureVector(ctx, second); err != nil {
		t.Fatalf("second SaveFeatureVector failed: %v", err)
	}

	got, err := s.GetFeatureVector(ctx, "evt-1", 1)
	if err != nil {
		t.Fatalf("GetFeatureVector failed: %v", err)
	}
	if got.Values[0] != 0.1 || got.ActionKey != first.ActionKey {
		t.Errorf("Expected first vector to win, got %+v", got)
	}

	if _, err := s.GetFeatureVector(ctx, "evt-1", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other version, got %v", err)
	}
}

// TestFeatureVectorConcurrentWrites verifies exactly one row survives racing writers.
func TestFeatureVectorConcurrentWrites(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SaveFeatureVector(ctx, FeatureVectorRow{
				OwnerEventID: "evt-race",
				Version:      1,
				UserID:       "u1",
				Values:       []float64{float64(i)},
				CreatedAt:    time.Now(),
			})
		}(i)
	}
	wg.Wait()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM feature_vectors WHERE owner_event_id = 'evt-race'`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row, got %d", count)
	}
}

// TestUserModelsRoundTrip verifies model blobs are upserted per kind.
func TestUserModelsRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.LoadUserModels(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown user, got %v", err)
	}

	blobs := map[string][]byte{
		KindLinUCB:   []byte(`{"alpha":1}`),
		KindThompson: []byte(`{"global":{}}`),
	}
	gen, err := s.SaveUserModels(ctx, "u1", 0, blobs)
	if err != nil {
		t.Fatalf("SaveUserModels failed: %v", err)
	}
	if gen != 1 {
		t.Errorf("Expected generation 1, got %d", gen)
	}
	if gen, err = s.SaveUserModels(ctx, "u1", gen, map[string][]byte{KindLinUCB: []byte(`{"alpha":2}`)}); err != nil {
		t.Fatalf("SaveUserModels update failed: %v", err)
	}
	if stored, _ := s.UserModelsGeneration(ctx, "u1"); stored != 2 || gen != 2 {
		t.Errorf("Expected generation 2, got returned %d stored %d", gen, stored)
	}

	got, err := s.LoadUserModels(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadUserModels failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 kinds, got %d", len(got))
	}
	if string(got[KindLinUCB]) != `{"alpha":2}` {
		t.Errorf("Expected updated linucb blob, got %s", got[KindLinUCB])
	}
	if string(got[KindThompson]) != `{"global":{}}` {
		t.Errorf("Thompson blob changed: %s", got[KindThompson])
	}
}

// TestSaveUserModelsRejectsStaleGeneration verifies the compare-and-swap on
// the model generation.
func TestSaveUserModelsRejectsStaleGeneration(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if gen, _ := s.UserModelsGeneration(ctx, "u1"); gen != 0 {
		t.Fatalf("Expected generation 0 for unknown user, got %d", gen)
	}
	if _, err := s.SaveUserModels(ctx, "u1", 0, map[string][]byte{KindLinUCB: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	// A second writer that also loaded generation 0 must not overwrite.
	gen, err := s.SaveUserModels(ctx, "u1", 0, map[string][]byte{KindLinUCB: []byte(`{"a":2}`)})
	if !errors.Is(err, ErrStaleModels) {
		t.Fatalf("Expected ErrStaleModels, got %v", err)
	}
	if gen != 1 {
		t.Errorf("Expected current generation 1 on conflict, got %d", gen)
	}
	got, _ := s.LoadUserModels(ctx, "u1")
	if string(got[KindLinUCB]) != `{"a":1}` {
		t.Errorf("Stale save overwrote the model: %s", got[KindLinUCB])
	}
	if other, _ := s.UserModelsGeneration(ctx, "u2"); other != 0 {
		t.Errorf("Generations must be per user, got %d for u2", other)
	}
}

// TestEnqueueRewardIdempotent verifies a repeated key returns the first entry.
func TestEnqueueRewardIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	due := time.Now().Add(-time.Second)

	first, err := s.EnqueueReward(ctx, RewardEntry{ID: "r1", UserID: "u1", OwnerEventID: "e1", FeatureVersion: 1, ScheduledAt: due, IdempotencyKey: "e1@1"})
	if err != nil || first != "r1" {
		t.Fatalf("EnqueueReward = %q, %v", first, err)
	}
	second, err := s.EnqueueReward(ctx, RewardEntry{ID: "r2", UserID: "u1", OwnerEventID: "e1", FeatureVersion: 1, ScheduledAt: due, IdempotencyKey: "e1@1"})
	if err != nil {
		t.Fatalf("duplicate EnqueueReward failed: %v", err)
	}
	if second != "r1" {
		t.Errorf("Expected existing id r1, got %q", second)
	}
	if _, err := s.GetReward(ctx, "r2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Duplicate entry must not be stored, got %v", err)
	}

	// Without a key the ID is the key, so distinct entries stay distinct.
	if id, err := s.EnqueueReward(ctx, RewardEntry{ID: "r3", UserID: "u1", OwnerEventID: "e2", FeatureVersion: 1, ScheduledAt: due}); err != nil || id != "r3" {
		t.Fatalf("EnqueueReward without key = %q, %v", id, err)
	}
	got, _ := s.GetReward(ctx, "r3")
	if got == nil || got.IdempotencyKey != "r3" {
		t.Errorf("Expected key to default to the id, got %+v", got)
	}

	claimed, err := s.ClaimDueRewards(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueRewards failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("Expected 2 claimable entries, got %d", len(claimed))
	}
}

// TestDecisionRecords verifies batch insert and listing.
func TestDecisionRecords(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	var records []DecisionRecord
	for i := 0; i < 5; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		records = append(records, DecisionRecord{
			DecisionID:     fmt.Sprintf("d-%d", i),
			UserID:         user,
			OwnerEventID:   fmt.Sprintf("e-%d", i),
			ActionKey:      "mid|0.20|8|1|1.00",
			Source:         "ensemble",
			Votes:          map[string]string{"linucb": "mid|0.20|8|1|1.00"},
			Confidences:    map[string]float64{"linucb": 0.7},
			Weights:        map[string]float64{"linucb": 0.4},
			ColdStartPhase: "normal",
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := s.SaveDecisionRecords(ctx, records); err != nil {
		t.Fatalf("SaveDecisionRecords failed: %v", err)
	}
	// Duplicate IDs are ignored.
	if err := s.SaveDecisionRecords(ctx, records[:1]); err != nil {
		t.Fatalf("duplicate SaveDecisionRecords failed: %v", err)
	}

	all, err := s.ListDecisionRecords(ctx, "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListDecisionRecords failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Expected 5 records, got %d", len(all))
	}
	if all[0].DecisionID != "d-4" {
		t.Errorf("Expected newest first, got %s", all[0].DecisionID)
	}
	if all[0].Votes["linucb"] != "mid|0.20|8|1|1.00" || all[0].Weights["linucb"] != 0.4 {
		t.Errorf("JSON columns not restored: %+v", all[0])
	}

	u1, err := s.ListDecisionRecords(ctx, "u1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListDecisionRecords(u1) failed: %v", err)
	}
	if len(u1) != 3 {
		t.Errorf("Expected 3 records for u1, got %d", len(u1))
	}
}

// TestRewardQueueLifecycle verifies enqueue, claim, finish and reschedule.
func TestRewardQueueLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	due := RewardEntry{ID: "r1", UserID: "u1", OwnerEventID: "e1", FeatureVersion: 1, Reward: 0.5, ScheduledAt: now.Add(-time.Second)}
	later := RewardEntry{ID: "r2", UserID: "u1", OwnerEventID: "e2", FeatureVersion: 1, Reward: -0.5, ScheduledAt: now.Add(time.Hour)}
	for _, e := range []RewardEntry{due, later} {
		if _, err := s.EnqueueReward(ctx, e); err != nil {
			t.Fatalf("EnqueueReward failed: %v", err)
		}
	}

	claimed, err := s.ClaimDueRewards(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueRewards failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "r1" {
		t.Fatalf("Expected only r1 claimed, got %+v", claimed)
	}
	if claimed[0].Status != RewardProcessing {
		t.Errorf("Expected processing, got %s", claimed[0].Status)
	}

	// Claimed entries are not handed out twice.
	again, err := s.ClaimDueRewards(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueRewards failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no entries on second claim, got %d", len(again))
	}

	if err := s.RescheduleReward(ctx, "r1", now.Add(-time.Millisecond), 1, "lock timeout"); err != nil {
		t.Fatalf("RescheduleReward failed: %v", err)
	}
	got, err := s.GetReward(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReward failed: %v", err)
	}
	if got.Status != RewardPending || got.Attempts != 1 || got.LastError != "lock timeout" {
		t.Errorf("Unexpected rescheduled entry: %+v", got)
	}

	if _, err := s.ClaimDueRewards(ctx, now, 10); err != nil {
		t.Fatalf("ClaimDueRewards failed: %v", err)
	}
	if err := s.FinishReward(ctx, "r1", RewardDone, ""); err != nil {
		t.Fatalf("FinishReward failed: %v", err)
	}
	if err := s.FinishReward(ctx, "r1", RewardPending, ""); err == nil {
		t.Error("Expected error for non-terminal status")
	}

	stats, err := s.RewardStats(ctx)
	if err != nil {
		t.Fatalf("RewardStats failed: %v", err)
	}
	if stats[RewardDone] != 1 || stats[RewardPending] != 1 || stats[RewardProcessing] != 0 {
		t.Errorf("Unexpected stats: %v", stats)
	}

	if _, err := s.GetReward(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestRecoverStuckRewards verifies Processing entries are released after the cutoff.
func TestRecoverStuckRewards(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.EnqueueReward(ctx, RewardEntry{ID: "r1", UserID: "u1", OwnerEventID: "e1", FeatureVersion: 1, ScheduledAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("EnqueueReward failed: %v", err)
	}
	if _, err := s.ClaimDueRewards(ctx, time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueRewards failed: %v", err)
	}

	// Cutoff in the past leaves the fresh claim alone.
	n, err := s.RecoverStuckRewards(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("RecoverStuckRewards failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 recovered, got %d", n)
	}

	n, err = s.RecoverStuckRewards(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("RecoverStuckRewards failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 recovered, got %d", n)
	}
	got, _ := s.GetReward(ctx, "r1")
	if got == nil || got.Status != RewardPending {
		t.Errorf("Expected pending after recovery, got %+v", got)
	}
}

// TestCleanup verifies retention-based deletion keeps vectors with pending rewards.
func TestCleanup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for _, id := range []string{"e-old", "e-pending"} {
		if err := s.SaveFeatureVector(ctx, FeatureVectorRow{OwnerEventID: id, Version: 1, UserID: "u1", Values: []float64{1}, CreatedAt: old}); err != nil {
			t.Fatalf("SaveFeatureVector failed: %v", err)
		}
	}
	if _, err := s.EnqueueReward(ctx, RewardEntry{ID: "r1", UserID: "u1", OwnerEventID: "e-pending", FeatureVersion: 1, ScheduledAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueReward failed: %v", err)
	}
	if err := s.SaveDecisionRecords(ctx, []DecisionRecord{{DecisionID: "d1", UserID: "u1", Timestamp: old}}); err != nil {
		t.Fatalf("SaveDecisionRecords failed: %v", err)
	}

	if err := s.Cleanup(ctx, 24*time.Hour); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	if _, err := s.GetFeatureVector(ctx, "e-old", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected old vector removed, got %v", err)
	}
	if _, err := s.GetFeatureVector(ctx, "e-pending", 1); err != nil {
		t.Errorf("Vector with pending reward should survive: %v", err)
	}
	records, _ := s.ListDecisionRecords(ctx, "", time.Time{}, 10)
	if len(records) != 0 {
		t.Errorf("Expected old decisions removed, got %d", len(records))
	}
}
