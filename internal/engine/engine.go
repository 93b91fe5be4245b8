/*
Package engine orchestrates one adaptive decision per answer event.

ProcessEvent builds the feature vector, then, under the user's lock, feeds
the cold-start state machine, lets the ensemble vote over habit-biased
candidates, enforces the guardrails, trains every policy on the action that
is actually applied and persists the user's models. ApplyDelayedReward
replays a later outcome against the feature vector stored at decision time.

When the user's lock cannot be acquired the caller still gets a strategy:
a heuristic-only decision marked Degraded.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/khanglvm/amas-engine/internal/amas"
	"github.com/khanglvm/amas-engine/internal/coldstart"
	"github.com/khanglvm/amas-engine/internal/features"
	"github.com/khanglvm/amas-engine/internal/isolation"
	"github.com/khanglvm/amas-engine/internal/learning"
	"github.com/khanglvm/amas-engine/internal/logger"
	"github.com/khanglvm/amas-engine/internal/observability"
	"github.com/khanglvm/amas-engine/internal/reward"
	"github.com/khanglvm/amas-engine/internal/safety"
	"github.com/khanglvm/amas-engine/internal/storage"
)

var tracer = observability.Tracer("github.com/khanglvm/amas-engine/internal/engine")

var (
	// ErrFeatureVectorMissing is returned by ApplyDelayedReward when the
	// vector of the rewarded event was never written or has expired.
	ErrFeatureVectorMissing = fmt.Errorf("engine: feature vector missing: %w", storage.ErrNotFound)

	// ErrInvalidInput is returned for events without a user ID.
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrUnknownAction is returned when a stored vector references an
	// action outside the current action space.
	ErrUnknownAction = errors.New("engine: unknown action")
)

// Repository is the persistence the engine needs.
type Repository interface {
	SaveFeatureVector(ctx context.Context, fv storage.FeatureVectorRow) error
	GetFeatureVector(ctx context.Context, ownerEventID string, version int) (*storage.FeatureVectorRow, error)
	LoadUserModels(ctx context.Context, userID string) (map[string][]byte, error)
	UserModelsGeneration(ctx context.Context, userID string) (int64, error)
	SaveUserModels(ctx context.Context, userID string, expected int64, blobs map[string][]byte) (int64, error)
}

// Recorder receives every decision. Record must not block.
type Recorder interface {
	Record(rec learning.DecisionRecord) bool
}

// Config bundles the knobs of every component.
type Config struct {
	Grid       amas.Grid                `json:"grid"`
	ColdStart  coldstart.Config         `json:"coldStart"`
	LinUCB     learning.LinUCBConfig    `json:"linucb"`
	Thompson   learning.ThompsonConfig  `json:"thompson"`
	Heuristic  learning.HeuristicConfig `json:"heuristic"`
	Ensemble   learning.EnsembleConfig  `json:"ensemble"`
	Guardrails safety.Guardrails        `json:"guardrails"`
	Reward     reward.Weights           `json:"reward"`
	Objective  ObjectiveConfig          `json:"objective"`

	// Members lists the ensemble voters in order.
	Members []learning.PolicyID `json:"members"`

	// Location derives the hour of day of events; UTC when nil.
	Location *time.Location `json:"-"`
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Grid:       amas.DefaultGrid(),
		ColdStart:  coldstart.DefaultConfig(),
		LinUCB:     learning.DefaultLinUCBConfig(),
		Thompson:   learning.DefaultThompsonConfig(),
		Heuristic:  learning.DefaultHeuristicConfig(),
		Ensemble:   learning.DefaultEnsembleConfig(),
		Guardrails: safety.DefaultGuardrails(),
		Reward:     reward.DefaultWeights(),
		Objective:  DefaultObjectiveConfig(),
		Members:    append([]learning.PolicyID(nil), learning.PriorityOrder...),
	}
}

// Options carries the optional caller context of one event.
type Options struct {
	// CurrentStrategy overrides the last applied strategy.
	CurrentStrategy *amas.StrategyParams `json:"currentStrategy,omitempty"`

	// RecentAccuracy is the accuracy over the learner's recent answers.
	RecentAccuracy *float64 `json:"recentAccuracy,omitempty"`

	// StudyMinutes is the time studied in the current session.
	StudyMinutes float64 `json:"studyMinutes,omitempty"`

	// RTVariance is the coefficient of variation of recent response times.
	RTVariance *float64 `json:"rtVariance,omitempty"`

	// Now overrides the wall clock.
	Now time.Time `json:"now,omitempty"`
}

// EventInput is one answer event to decide on.
type EventInput struct {
	UserID string `json:"userId"`

	// OwnerEventID identifies the answer; generated when empty.
	OwnerEventID string         `json:"ownerEventId,omitempty"`
	Event        amas.RawEvent  `json:"event"`
	State        amas.UserState `json:"state"`
	Options      Options        `json:"options"`
}

// Result is the decision returned to the caller.
type Result struct {
	DecisionID     string                   `json:"decisionId"`
	OwnerEventID   string                   `json:"ownerEventId"`
	FeatureVersion int                      `json:"featureVersion"`
	Strategy       amas.StrategyParams      `json:"strategy"`
	Action         amas.Action              `json:"action"`
	Source         string                   `json:"source"`
	Confidence     float64                  `json:"confidence"`
	Degraded       bool                     `json:"degraded"`
	ColdStartPhase string                   `json:"coldStartPhase,omitempty"`
	Guardrails     []string                 `json:"guardrails,omitempty"`
	Explanation    amas.DecisionExplanation `json:"explanation"`
	Objective      amas.ObjectiveEvaluation `json:"objective"`
	Reward         reward.Reward            `json:"reward"`
}

// Engine is safe for concurrent use. Calls for different users run in
// parallel; calls for one user are serialized by the Locker.
type Engine struct {
	cfg       Config
	repo      Repository
	locker    isolation.Locker
	recorder  Recorder
	log       *logger.Logger
	space     *amas.ActionSpace
	mapper    *safety.Mapper
	builder   *features.Builder
	heuristic *learning.Heuristic
	arena     *arena
}

// New creates an engine. A nil locker selects an in-process
// isolation.Manager; a nil recorder disables decision recording.
func New(cfg Config, repo Repository, locker isolation.Locker, recorder Recorder, log *logger.Logger) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("engine: repository is required")
	}
	space, err := amas.NewActionSpace(cfg.Grid)
	if err != nil {
		return nil, fmt.Errorf("failed to build action space: %w", err)
	}
	if len(cfg.Members) == 0 {
		cfg.Members = append([]learning.PolicyID(nil), learning.PriorityOrder...)
	}
	if locker == nil {
		locker = isolation.NewManager(isolation.DefaultTimeout)
	}
	if log == nil {
		log = logger.Nop()
	}

	builder := features.NewBuilder()
	builder.Location = cfg.Location

	return &Engine{
		cfg:       cfg,
		repo:      repo,
		locker:    locker,
		recorder:  recorder,
		log:       log.With("component", "Engine"),
		space:     space,
		mapper:    safety.NewMapper(space),
		builder:   builder,
		heuristic: learning.NewHeuristic(cfg.Heuristic),
		arena:     newArena(),
	}, nil
}

// Space returns the action space.
func (e *Engine) Space() *amas.ActionSpace { return e.space }

// decision is what the locked section hands back.
type decision struct {
	dec      learning.Decision
	applied  amas.Action
	fired    []string
	previous amas.StrategyParams
	contribs []amas.Contribution

	// phase is empty when the cold-start state was not read.
	phase string
}

// ProcessEvent decides the strategy for the next batch and trains on the
// immediate reward of ev. It fails only on a missing user ID; every other
// problem degrades the decision instead.
func (e *Engine) ProcessEvent(ctx context.Context, in EventInput) (*Result, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if in.OwnerEventID == "" {
		in.OwnerEventID = uuid.NewString()
	}
	now := in.Options.Now
	if now.IsZero() {
		now = time.Now()
	}

	ctx, span := tracer.Start(ctx, "engine.ProcessEvent")
	defer span.End()

	state := in.State.Sanitized()
	fv := e.builder.Build(in.OwnerEventID, in.Event, state, now)
	ts := in.Event.Timestamp
	if ts.IsZero() {
		ts = now
	}
	hour := features.HourOf(ts, e.cfg.Location)
	r := reward.Compute(in.Event, state, e.cfg.Reward)

	var d decision
	err := e.locker.WithUserLock(ctx, in.UserID, func() error {
		return e.mutate(ctx, in.UserID, func(m *userModels) {
			d = e.decideLocked(m, in, state, fv, hour, r.Value)
		})
	})

	degraded := false
	if err != nil {
		degraded = true
		if errors.Is(err, isolation.ErrLockTimeout) {
			e.log.Warn("user lock timeout, using heuristic fallback", "user_id", in.UserID)
		} else {
			e.log.Warn("decision failed, using heuristic fallback", "user_id", in.UserID, "error", err)
		}
		span.RecordError(err)
		d = e.fallback(in, state, hour)
	}

	e.saveFeatureVector(ctx, in.UserID, fv, d.applied)

	rec := learning.NewDecisionRecord(in.UserID, in.OwnerEventID, d.dec, d.applied, d.phase, degraded)
	rec.Timestamp = now
	if e.recorder != nil && !e.recorder.Record(rec) {
		e.log.Debug("decision record dropped", "user_id", in.UserID)
	}

	explanation := e.explain(state, hour, d.previous, d.applied.Strategy, d.fired, degraded)
	explanation.Contributions = d.contribs

	span.SetAttributes(
		attribute.String("amas.source", d.dec.Source),
		attribute.String("amas.action", d.applied.Key()),
		attribute.String("amas.coldstart_phase", d.phase),
		attribute.Bool("amas.degraded", degraded),
	)

	return &Result{
		DecisionID:     rec.DecisionID,
		OwnerEventID:   in.OwnerEventID,
		FeatureVersion: fv.Version,
		Strategy:       d.applied.Strategy,
		Action:         d.applied,
		Source:         d.dec.Source,
		Confidence:     d.dec.Confidence,
		Degraded:       degraded,
		ColdStartPhase: d.phase,
		Guardrails:     d.fired,
		Explanation:    explanation,
		Objective:      Evaluate(e.cfg.Objective, state, d.applied.Strategy, in.Options, now),
		Reward:         r,
	}, nil
}

// decideLocked is the read-modify-write of one user's models.
func (e *Engine) decideLocked(m *userModels, in EventInput, state amas.UserState, fv features.FeatureVector, hour int, r float64) decision {
	current := e.currentStrategy(m, in.Options)

	var csStrategy *amas.StrategyParams
	if !m.coldstart.IsComplete() {
		csStrategy, _ = m.coldstart.Update(e.coldStartSignals(in, state))
	}
	phase := m.coldstart.Phase().String()

	dec := m.ensemble.Decide(learning.DecisionInput{
		Context:    fv.Values,
		State:      state,
		Current:    current,
		Hour:       hour,
		Candidates: e.candidates(current, state.Habit, hour),
		ColdStart:  csStrategy,
	})

	applied, fired := e.cfg.Guardrails.Enforce(state, dec.Action, in.Options.StudyMinutes, e.mapper)
	if len(fired) > 0 {
		e.log.Debug("guardrails adjusted decision",
			"user_id", in.UserID, "rules", strings.Join(fired, ","),
			"chosen", dec.Action.Key(), "applied", applied.Key())
	}

	m.linucb.Update(fv.Values, applied, r)
	m.thompson.Update(fv.Values, applied, r)
	if dec.Source != learning.SourceColdStart {
		m.ensemble.UpdateWeights(dec.Votes, applied, r)
	}
	s := applied.Strategy
	m.strategy = &s

	return decision{
		dec:      dec,
		applied:  applied,
		fired:    fired,
		previous: current,
		contribs: m.ensemble.Contributions(dec),
		phase:    phase,
	}
}

// currentStrategy picks the baseline the heuristic and the candidates are
// built around.
func (e *Engine) currentStrategy(m *userModels, opts Options) amas.StrategyParams {
	switch {
	case opts.CurrentStrategy != nil:
		return opts.CurrentStrategy.Clamped()
	case m.strategy != nil:
		return *m.strategy
	}
	if st := m.coldstart.State(); st.Phase == coldstart.Normal && st.Profile != nil {
		return st.Profile.ToStrategy()
	}
	return amas.DefaultStrategy()
}

func (e *Engine) coldStartSignals(in EventInput, state amas.UserState) coldstart.Signals {
	acc := 0.0
	if in.Event.IsCorrect {
		acc = 1
	}
	rtv := 0.5
	if in.Options.RTVariance != nil {
		rtv = *in.Options.RTVariance
	}
	return coldstart.Signals{
		Accuracy:     acc,
		ResponseTime: in.Event.ResponseTime,
		Extra: &coldstart.Extra{
			Attention:  state.Attention,
			Motivation: state.Motivation,
			Memory:     state.Cognitive.Memory,
			RTVariance: rtv,
		},
	}
}

// fallback decides with the heuristic alone and touches no model.
func (e *Engine) fallback(in EventInput, state amas.UserState, hour int) decision {
	current := amas.DefaultStrategy()
	if in.Options.CurrentStrategy != nil {
		current = in.Options.CurrentStrategy.Clamped()
	}
	suggested := e.heuristic.Suggest(state, current, hour)
	chosen := e.mapper.Map(suggested, nil)
	applied, fired := e.cfg.Guardrails.Enforce(state, chosen, in.Options.StudyMinutes, e.mapper)

	vote := learning.Vote{Policy: learning.PolicyHeuristic, Action: chosen, Confidence: e.heuristic.Confidence(state)}
	return decision{
		dec: learning.Decision{
			Action:     chosen,
			Source:     learning.SourceHeuristicFallback,
			Votes:      []learning.Vote{vote},
			Confidence: vote.Confidence,
		},
		applied:  applied,
		fired:    fired,
		previous: current,
	}
}

func (e *Engine) saveFeatureVector(ctx context.Context, userID string, fv features.FeatureVector, applied amas.Action) {
	row := storage.FeatureVectorRow{
		OwnerEventID: fv.OwnerEventID,
		Version:      fv.Version,
		UserID:       userID,
		ActionKey:    applied.Key(),
		Values:       fv.Values,
		CreatedAt:    fv.CreatedAt,
	}
	if err := e.repo.SaveFeatureVector(ctx, row); err != nil {
		e.log.Warn("failed to save feature vector", "user_id", userID, "owner_event_id", fv.OwnerEventID, "error", err)
	}
}

// ApplyDelayedReward trains the user's policies on a late outcome of the
// event ownerEventID. The feature vector is read before the lock is taken;
// when it is missing the models are left untouched and an error wrapping
// ErrFeatureVectorMissing is returned.
func (e *Engine) ApplyDelayedReward(ctx context.Context, userID, ownerEventID string, version int, r float64) error {
	ctx, span := tracer.Start(ctx, "engine.ApplyDelayedReward")
	defer span.End()

	row, err := e.repo.GetFeatureVector(ctx, ownerEventID, version)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: event %s version %d", ErrFeatureVectorMissing, ownerEventID, version)
	}
	if err != nil {
		return fmt.Errorf("failed to load feature vector %s: %w", ownerEventID, err)
	}
	if row.UserID != "" && row.UserID != userID {
		return fmt.Errorf("%w: event %s belongs to another user", ErrInvalidInput, ownerEventID)
	}
	fv := features.FeatureVector{OwnerEventID: row.OwnerEventID, Version: row.Version, Values: row.Values}
	if err := fv.Validate(); err != nil {
		return err
	}
	action, ok := e.space.LookupKey(row.ActionKey)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, row.ActionKey)
	}

	r = reward.Normalize(r)
	return e.locker.WithUserLock(ctx, userID, func() error {
		return e.mutate(ctx, userID, func(m *userModels) {
			m.linucb.Update(fv.Values, action, r)
			m.thompson.Update(fv.Values, action, r)
			// The votes behind this event are not kept, so only the reward
			// ring and the decay toward the prior move.
			m.ensemble.UpdateWeights(nil, action, r)
		})
	})
}

// ResetColdStart returns the user to the Classify phase.
func (e *Engine) ResetColdStart(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return e.locker.WithUserLock(ctx, userID, func() error {
		err := e.mutate(ctx, userID, func(m *userModels) {
			m.coldstart.Reset()
		})
		if err == nil {
			e.log.Info("cold start reset", "user_id", userID)
		}
		return err
	})
}

// Snapshot is a read-only summary of one user's models.
type Snapshot struct {
	UserID           string                        `json:"userId"`
	ColdStart        coldstart.State               `json:"coldStart"`
	Phase            string                        `json:"phase"`
	Strategy         *amas.StrategyParams          `json:"strategy,omitempty"`
	Weights          map[learning.PolicyID]float64 `json:"weights"`
	EnsembleUpdates  int                           `json:"ensembleUpdates"`
	MeanRecentReward float64                       `json:"meanRecentReward"`

	// LinUCBUpdates is the number of updates summed over all actions.
	LinUCBUpdates int `json:"linucbUpdates"`

	// ThompsonEvidence is the global posterior mass gathered beyond the prior.
	ThompsonEvidence float64 `json:"thompsonEvidence"`
}

// Snapshot reads the user's models under the user lock.
func (e *Engine) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	var snap Snapshot
	err := e.locker.WithUserLock(ctx, userID, func() error {
		m := e.models(ctx, userID)
		cs := m.coldstart.State()
		snap = Snapshot{
			UserID:           userID,
			ColdStart:        cs,
			Phase:            cs.Phase.String(),
			Weights:          m.ensemble.Weights(),
			MeanRecentReward: m.ensemble.MeanRecentReward(),
			EnsembleUpdates:  m.ensemble.State().Updates,
		}
		if m.strategy != nil {
			s := *m.strategy
			snap.Strategy = &s
		}
		for _, arm := range m.linucb.State().Arms {
			snap.LinUCBUpdates += arm.N
		}
		for _, b := range m.thompson.State().Global {
			snap.ThompsonEvidence += b.Alpha + b.Beta - 2
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// CachedUsers returns the number of users whose models are in memory.
func (e *Engine) CachedUsers() int { return e.arena.len() }
