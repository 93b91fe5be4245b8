package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/coldstart"
	"github.com/khanglvm/amas-engine/internal/features"
	"github.com/khanglvm/amas-engine/internal/learning"
	"github.com/khanglvm/amas-engine/internal/storage"
)

// userModels is everything the engine learns about one user. It is only
// read or written while holding that user's lock.
type userModels struct {
	linucb    *learning.LinUCB
	thompson  *learning.Thompson
	ensemble  *learning.Ensemble
	coldstart *coldstart.Manager

	// strategy is the last applied strategy, nil before the first decision.
	strategy *amas.StrategyParams

	// generation is the stored write counter these models were loaded at
	// or last saved as.
	generation int64
}

// arena caches loaded models by user ID. The map itself is guarded by mu;
// the models it points to are guarded by the per-user lock. An entry is only
// used while its generation matches the repository.
type arena struct {
	mu    sync.Mutex
	users map[string]*userModels
}

func newArena() *arena {
	return &arena{users: make(map[string]*userModels)}
}

func (a *arena) get(userID string) *userModels {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.users[userID]
}

func (a *arena) put(userID string, m *userModels) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[userID] = m
}

func (a *arena) drop(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.users, userID)
}

func (a *arena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}

// newModels builds fresh models and wires the ensemble members in the
// configured order.
func (e *Engine) newModels() *userModels {
	m := &userModels{
		linucb:    learning.NewLinUCB(e.cfg.LinUCB, e.space, features.Dim),
		thompson:  learning.NewThompson(e.cfg.Thompson),
		coldstart: coldstart.NewManager(e.cfg.ColdStart),
	}

	members := make([]learning.Member, 0, len(e.cfg.Members))
	for _, id := range e.cfg.Members {
		switch id {
		case learning.PolicyColdStart:
			members = append(members, learning.NewColdStartMember(e.mapper))
		case learning.PolicyLinUCB:
			members = append(members, learning.PolicyMember{Policy: m.linucb})
		case learning.PolicyThompson:
			members = append(members, learning.PolicyMember{Policy: m.thompson})
		case learning.PolicyHeuristic:
			members = append(members, learning.NewHeuristicMember(e.heuristic, e.mapper))
		}
	}
	m.ensemble = learning.NewEnsemble(e.cfg.Ensemble, e.mapper, members...)
	return m
}

// models returns the user's models. The cached copy is used when its
// generation still matches the repository; otherwise another engine has
// written since, and the models are reloaded. A user without persisted
// models starts fresh. Must be called with the user lock held.
func (e *Engine) models(ctx context.Context, userID string) *userModels {
	cached := e.arena.get(userID)
	gen, err := e.repo.UserModelsGeneration(ctx, userID)
	switch {
	case err != nil && cached != nil:
		e.log.Warn("failed to check model generation, using cached models", "user_id", userID, "error", err)
		return cached
	case err != nil:
		e.log.Warn("failed to check model generation", "user_id", userID, "error", err)
	case cached != nil && cached.generation == gen:
		return cached
	case cached != nil:
		e.log.Debug("models changed in the repository, reloading", "user_id", userID,
			"cached_generation", cached.generation, "generation", gen)
	}

	m := e.newModels()
	m.generation = gen
	blobs, err := e.repo.LoadUserModels(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.log.Debug("no persisted models, starting fresh", "user_id", userID)
	case err != nil:
		e.log.Warn("failed to load models, starting fresh", "user_id", userID, "error", err)
	default:
		e.restore(userID, m, blobs)
	}

	e.arena.put(userID, m)
	return m
}

// mutate applies fn to the user's current models and persists them. When
// the save loses a race with another writer, the cache is dropped and fn
// runs once more on the reloaded models. Must be called with the user lock
// held.
func (e *Engine) mutate(ctx context.Context, userID string, fn func(m *userModels)) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		m := e.models(ctx, userID)
		fn(m)
		if err = e.persist(ctx, userID, m); !errors.Is(err, storage.ErrStaleModels) {
			return nil
		}
		e.arena.drop(userID)
		e.log.Warn("models were changed by another writer, retrying on fresh state", "user_id", userID, "attempt", attempt+1)
	}
	return err
}

// restore decodes each blob into m. A corrupt blob is logged and that
// model keeps its defaults.
func (e *Engine) restore(userID string, m *userModels, blobs map[string][]byte) {
	warn := func(kind string, err error) {
		e.log.Warn("discarding corrupt model", "user_id", userID, "kind", kind, "error", err)
	}

	if data, ok := blobs[storage.KindLinUCB]; ok {
		var st learning.LinUCBState
		if err := json.Unmarshal(data, &st); err != nil {
			warn(storage.KindLinUCB, err)
		} else if err := m.linucb.Restore(st); err != nil {
			warn(storage.KindLinUCB, err)
		}
	}
	if data, ok := blobs[storage.KindThompson]; ok {
		var st learning.ThompsonState
		if err := json.Unmarshal(data, &st); err != nil {
			warn(storage.KindThompson, err)
		} else {
			m.thompson.Restore(st)
		}
	}
	if data, ok := blobs[storage.KindEnsemble]; ok {
		var st learning.EnsembleState
		if err := json.Unmarshal(data, &st); err != nil {
			warn(storage.KindEnsemble, err)
		} else {
			m.ensemble.Restore(st)
		}
	}
	if data, ok := blobs[storage.KindColdStart]; ok {
		var st coldstart.State
		if err := json.Unmarshal(data, &st); err != nil {
			warn(storage.KindColdStart, err)
		} else {
			m.coldstart = coldstart.FromState(e.cfg.ColdStart, st)
		}
	}
	if data, ok := blobs[storage.KindStrategy]; ok {
		var s amas.StrategyParams
		if err := json.Unmarshal(data, &s); err != nil {
			warn(storage.KindStrategy, err)
		} else {
			s = s.Clamped()
			m.strategy = &s
		}
	}
}

// persist writes every model of the user and advances m.generation. It
// returns only storage.ErrStaleModels; other failures are logged and the
// cached models stay authoritative for this process.
func (e *Engine) persist(ctx context.Context, userID string, m *userModels) error {
	states := map[string]any{
		storage.KindLinUCB:    m.linucb.State(),
		storage.KindThompson:  m.thompson.State(),
		storage.KindEnsemble:  m.ensemble.State(),
		storage.KindColdStart: m.coldstart.State(),
	}
	if m.strategy != nil {
		states[storage.KindStrategy] = *m.strategy
	}

	blobs := make(map[string][]byte, len(states))
	for kind, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			e.log.Error("failed to encode model", "user_id", userID, "kind", kind, "error", err)
			return nil
		}
		blobs[kind] = data
	}

	gen, err := e.repo.SaveUserModels(ctx, userID, m.generation, blobs)
	switch {
	case errors.Is(err, storage.ErrStaleModels):
		return err
	case err != nil:
		e.log.Warn("failed to persist models", "user_id", userID, "error", err)
	default:
		m.generation = gen
	}
	return nil
}
