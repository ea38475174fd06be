package domain

import (
	"errors"
	"fmt"
)

// StepStatus tracks an individual pipeline step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusError      StepStatus = "error"
)

// Step machine keys.
const (
	StepFork      = "fork"
	StepProvision = "provision"
	StepBuild     = "build"
	StepActivate  = "activate"
)

// Step is one named stage of the deployment pipeline.
type Step struct {
	Name   string
	Label  string
	Status StepStatus
}

// StepDefinition is a catalog entry.
type StepDefinition struct {
	Name  string
	Label string
}

// stepCatalog is the fixed pipeline order. Every job carries exactly these steps.
var stepCatalog = []StepDefinition{
	{Name: StepFork, Label: "Fork template repository"},
	{Name: StepProvision, Label: "Provision hosting"},
	{Name: StepBuild, Label: "Trigger site build"},
	{Name: StepActivate, Label: "Activate live site"},
}

// StepCatalog returns a copy of the ordered pipeline definition.
func StepCatalog() []StepDefinition {
	return append([]StepDefinition(nil), stepCatalog...)
}

// StepLabel returns the display label for a step key.
func StepLabel(name string) string {
	for _, def := range stepCatalog {
		if def.Name == name {
			return def.Label
		}
	}
	return name
}

// NewSteps builds the pending step list for a fresh job.
func NewSteps() []Step {
	steps := make([]Step, 0, len(stepCatalog))
	for _, def := range stepCatalog {
		steps = append(steps, Step{Name: def.Name, Label: def.Label, Status: StepStatusPending})
	}
	return steps
}

// ErrStepOrder indicates a step vector that violates pipeline ordering.
var ErrStepOrder = errors.New("domain: step order violated")

// ValidateSteps checks the catalog shape and ordering invariants: an earlier
// step is always completed before a later one leaves pending, at most one
// step is in progress, and nothing after an errored step has started.
func ValidateSteps(steps []Step) error {
	if len(steps) != len(stepCatalog) {
		return fmt.Errorf("%w: expected %d steps, got %d", ErrStepOrder, len(stepCatalog), len(steps))
	}
	for i, step := range steps {
		if step.Name != stepCatalog[i].Name {
			return fmt.Errorf("%w: step %d is %q, expected %q", ErrStepOrder, i, step.Name, stepCatalog[i].Name)
		}
		if step.Status == StepStatusPending {
			continue
		}
		for j := 0; j < i; j++ {
			if steps[j].Status != StepStatusCompleted {
				return fmt.Errorf("%w: %s is %s while %s is %s", ErrStepOrder, step.Name, step.Status, steps[j].Name, steps[j].Status)
			}
		}
	}
	return nil
}

// stepRank orders statuses for monotonicity checks. Error is absorbing and
// ranks above everything reachable from in_progress.
func stepRank(status StepStatus) int {
	switch status {
	case StepStatusPending:
		return 0
	case StepStatusInProgress:
		return 1
	case StepStatusCompleted, StepStatusError:
		return 2
	default:
		return -1
	}
}

// StepAdvanceAllowed reports whether a reader may observe next after prev.
func StepAdvanceAllowed(prev, next StepStatus) bool {
	if prev == next {
		return true
	}
	if prev == StepStatusError || prev == StepStatusCompleted {
		return false
	}
	return stepRank(next) > stepRank(prev)
}
