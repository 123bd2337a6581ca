package rl

import (
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bossandy123/z-memory/pkg/types"
)

const initialVersion = "1.0"

// DefaultWeights returns the untrained policy.
func DefaultWeights() types.PolicyWeights {
	return types.PolicyWeights{
		ActionPreferences: map[types.Action]float64{
			types.ActionInsert: 0.5,
			types.ActionUpdate: 0.3,
			types.ActionIgnore: 0.15,
			types.ActionDelete: 0.05,
		},
		// Persisted for forward compatibility; the update rule does not read them.
		FeatureWeights: map[string]float64{
			"content_length":       0.1,
			"similarity_threshold": 0.2,
			"importance_score":     0.3,
			"recency_factor":       0.2,
			"memory_layer_weight":  0.2,
		},
		Version: initialVersion,
	}
}

// TrainResult reports one call to Policy.Train.
type TrainResult struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Epochs  int                  `json:"epochs"`
	Samples int                  `json:"samples"`
	Weights *types.PolicyWeights `json:"model_weights,omitempty"`
}

// Policy is a categorical policy over insert, update, ignore and delete.
//
// Readers take a lock-free snapshot of the current weights; Train and Replace
// build a new weights value and publish it atomically, serialised by mu.
// Published weights are never mutated.
type Policy struct {
	current atomic.Pointer[types.PolicyWeights]
	mu      sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithRandSource makes sampling draw from src. Tests pass a seeded source.
func WithRandSource(src rand.Source) PolicyOption {
	return func(p *Policy) { p.rng = rand.New(src) }
}

// WithPolicyClock overrides time.Now for trained_at stamps.
func WithPolicyClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// NewPolicy returns a policy holding DefaultWeights.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	w := DefaultWeights()
	p.current.Store(&w)
	return p
}

// Weights returns a copy of the current weights.
func (p *Policy) Weights() types.PolicyWeights {
	return p.current.Load().Clone()
}

// Version returns the current weights version.
func (p *Policy) Version() string {
	return p.current.Load().Version
}

// Replace swaps in w, as when loading a checkpoint. Policy actions missing
// from w take their default preference, and missing feature weights take the
// defaults, so every action can still be sampled and trained.
func (p *Policy) Replace(w types.PolicyWeights) {
	next := w.Clone()
	def := DefaultWeights()
	for _, a := range types.PolicyActions {
		if _, ok := next.ActionPreferences[a]; !ok {
			next.ActionPreferences[a] = def.ActionPreferences[a]
		}
	}
	if len(next.FeatureWeights) == 0 {
		next.FeatureWeights = def.FeatureWeights
	}
	p.mu.Lock()
	p.current.Store(&next)
	p.mu.Unlock()
}

// Train updates action preferences towards the mean reward of each action.
//
// Every epoch regroups the full sample set, moves each present action's
// preference by an exponential moving average with rate learningRate, then
// renormalises the preferences when their total is positive. Actions absent
// from the samples keep their preference for that epoch. The version advances
// by 0.1 once per call.
func (p *Policy) Train(samples []*types.TrainingSample, epochs int, learningRate float64) *TrainResult {
	if len(samples) == 0 {
		return &TrainResult{Success: false, Error: "no training samples", Epochs: epochs}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current.Load().Clone()
	prefs := next.ActionPreferences

	for epoch := 0; epoch < epochs; epoch++ {
		sums := make(map[types.Action]float64, len(prefs))
		counts := make(map[types.Action]int, len(prefs))
		for _, s := range samples {
			sums[s.Action] += s.Reward
			counts[s.Action]++
		}

		for action, n := range counts {
			old, ok := prefs[action]
			if !ok {
				continue
			}
			mean := sums[action] / float64(n)
			prefs[action] = old*(1-learningRate) + mean*learningRate
		}

		normalize(prefs)
	}

	now := p.now().UTC()
	next.TrainedAt = &now
	next.Version = bumpVersion(next.Version)
	p.current.Store(&next)

	out := next.Clone()
	return &TrainResult{Success: true, Epochs: epochs, Samples: len(samples), Weights: &out}
}

// Distribution returns the probabilities Predict samples from for state.
func (p *Policy) Distribution(state types.State, temperature float64) map[types.Action]float64 {
	base := p.current.Load().ActionPreferences
	probs := make(map[types.Action]float64, len(types.PolicyActions))
	for _, a := range types.PolicyActions {
		probs[a] = base[a]
	}

	if state.ImportanceScore >= 4 {
		probs[types.ActionInsert] *= 1.2
		probs[types.ActionUpdate] *= 1.1
	} else if state.ImportanceScore <= 2 {
		probs[types.ActionIgnore] *= 1.2
	}
	if state.Temporal.IsRecent {
		probs[types.ActionIgnore] *= 1.1
	}
	normalize(probs)

	// Zero temperature keeps the distribution as is; it is not argmax.
	if temperature > 0 {
		for a, v := range probs {
			if v <= 0 {
				probs[a] = 0
				continue
			}
			probs[a] = math.Pow(v, 1/temperature)
		}
		normalize(probs)
	}
	return probs
}

// Predict samples an action for state. Results are stochastic; two calls
// with the same state may differ.
func (p *Policy) Predict(state types.State, temperature float64) types.Action {
	return p.sample(p.Distribution(state, temperature))
}

// sample draws from probs in PolicyActions order. Negative weights (possible
// after training on very negative rewards) count as zero; with no positive
// weight the draw is uniform.
func (p *Policy) sample(probs map[types.Action]float64) types.Action {
	var total float64
	for _, a := range types.PolicyActions {
		if v := probs[a]; v > 0 && !math.IsNaN(v) {
			total += v
		}
	}

	p.rngMu.Lock()
	r := p.rng.Float64()
	p.rngMu.Unlock()

	if total <= 0 {
		return types.PolicyActions[int(r*float64(len(types.PolicyActions)))]
	}

	target := r * total
	var cum float64
	for _, a := range types.PolicyActions {
		v := probs[a]
		if v <= 0 || math.IsNaN(v) {
			continue
		}
		cum += v
		if target < cum {
			return a
		}
	}
	// Rounding can leave target == total.
	for i := len(types.PolicyActions) - 1; i >= 0; i-- {
		if probs[types.PolicyActions[i]] > 0 {
			return types.PolicyActions[i]
		}
	}
	return types.ActionInsert
}

// normalize scales m to sum to 1. Non-positive totals are left alone.
func normalize(m map[types.Action]float64) {
	var total float64
	for _, v := range m {
		total += v
	}
	if total <= 0 {
		return
	}
	for k, v := range m {
		m[k] = v / total
	}
}

// bumpVersion adds 0.1 to a "major.minor" version. Unparseable versions restart.
func bumpVersion(v string) string {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f, _ = strconv.ParseFloat(initialVersion, 64)
	}
	return strconv.FormatFloat(f+0.1, 'f', 1, 64)
}
