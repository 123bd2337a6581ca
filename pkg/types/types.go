// Package types defines the core data structures for the z-memory system.
// These types represent tiered memories, the append-only action log that
// records every decision taken against them, and the training artefacts
// (samples and policy checkpoints) derived from that log.
package types

import "fmt"

// EntityKind identifies who owns a memory.
type EntityKind string

// Tier is the storage layer a memory lives in.
type Tier string

// Action is the operation type recorded in an action log entry.
type Action string

// Category is the semantic classification the extractor assigns to a memory.
type Category string

// Entity kind constants
const (
	// EntityUser marks memories owned by an end user.
	EntityUser EntityKind = "user"

	// EntityAgent marks memories owned by an agent.
	EntityAgent EntityKind = "agent"
)

// Tier constants
const (
	// TierProfile holds stable, long-lived facts.
	TierProfile Tier = "profile"

	// TierEvent holds time-bound occurrences.
	TierEvent Tier = "event"
)

// Action constants
const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionIgnore Action = "ignore"
	ActionQuery  Action = "query"
)

// Category constants
const (
	CategoryPreference  Category = "preference"
	CategoryAbility     Category = "ability"
	CategoryCareer      Category = "career"
	CategoryEducation   Category = "education"
	CategoryPersonality Category = "personality"
	CategoryEvent       Category = "event"
	CategoryDecision    Category = "decision"
	CategoryRelation    Category = "relationship"
	CategoryOther       Category = "other"
)

// PolicyActions are the four mutable actions the policy chooses between,
// in the fixed order used for sampling and persistence.
var PolicyActions = []Action{ActionInsert, ActionUpdate, ActionIgnore, ActionDelete}

// IsValid reports whether k is a known entity kind.
func (k EntityKind) IsValid() bool {
	return k == EntityUser || k == EntityAgent
}

// ParseEntityKind converts a string into an EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("invalid entity kind %q (must be user or agent)", s)
	}
	return k, nil
}

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	return t == TierProfile || t == TierEvent
}

// ParseTier converts a string into a Tier. An empty string yields TierEvent.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierEvent, nil
	}
	t := Tier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("invalid tier %q (must be profile or event)", s)
	}
	return t, nil
}

// IsValid reports whether a is one of the five known actions.
func (a Action) IsValid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete, ActionIgnore, ActionQuery:
		return true
	}
	return false
}

// IsEvaluable reports whether a reward can be computed for a log with this action.
// Query logs are the usage signal, not decisions, so they are never evaluated.
func (a Action) IsEvaluable() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionIgnore, ActionDelete:
		return true
	case ActionQuery:
		return false
	}
	return false
}

// ParseAction converts a string into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", fmt.Errorf("invalid action %q", s)
	}
	return a, nil
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryPreference, CategoryAbility, CategoryCareer, CategoryEducation,
		CategoryPersonality, CategoryEvent, CategoryDecision, CategoryRelation, CategoryOther:
		return true
	}
	return false
}

// NormalizeCategory maps unknown categories onto CategoryOther.
func NormalizeCategory(s string) Category {
	c := Category(s)
	if c.IsValid() {
		return c
	}
	return CategoryOther
}
