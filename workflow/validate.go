package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition wraps all definition validation failures.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Validate checks the structural invariants of a definition:
//
//   - Name and StartActivityID are set
//   - activity IDs are unique and StartActivityID references one of them
//   - every transition endpoint references a known activity
//   - a Scheduled trigger carries a parseable six-field cron expression
//   - input and output schemas compile as JSON Schema documents
//
// Repositories call this before saving; the engine trusts saved definitions.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Activities) == 0 {
		return fmt.Errorf("%w: at least one activity is required", ErrInvalidDefinition)
	}
	ids := make(map[string]struct{}, len(d.Activities))
	for _, a := range d.Activities {
		if a.ID == "" {
			return fmt.Errorf("%w: activity with empty id", ErrInvalidDefinition)
		}
		if a.Type == "" {
			return fmt.Errorf("%w: activity %q has no type", ErrInvalidDefinition, a.ID)
		}
		if _, dup := ids[a.ID]; dup {
			return fmt.Errorf("%w: duplicate activity id %q", ErrInvalidDefinition, a.ID)
		}
		ids[a.ID] = struct{}{}
	}
	if d.StartActivityID == "" {
		return fmt.Errorf("%w: startActivityId is required", ErrInvalidDefinition)
	}
	if _, ok := ids[d.StartActivityID]; !ok {
		return fmt.Errorf("%w: startActivityId %q does not reference an activity", ErrInvalidDefinition, d.StartActivityID)
	}
	for _, t := range d.Transitions {
		if _, ok := ids[t.From]; !ok {
			return fmt.Errorf("%w: transition from unknown activity %q", ErrInvalidDefinition, t.From)
		}
		if _, ok := ids[t.To]; !ok {
			return fmt.Errorf("%w: transition to unknown activity %q", ErrInvalidDefinition, t.To)
		}
	}
	if d.Trigger != nil && d.Trigger.Type == TriggerScheduled {
		if d.Trigger.CronExpression == "" {
			return fmt.Errorf("%w: scheduled trigger requires a cron expression", ErrInvalidDefinition)
		}
		if _, err := ParseCron(d.Trigger.CronExpression); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidDefinition, d.Trigger.CronExpression, err)
		}
	}
	if err := d.InputSchema.Compile(); err != nil {
		return fmt.Errorf("%w: input schema: %v", ErrInvalidDefinition, err)
	}
	if err := d.OutputSchema.Compile(); err != nil {
		return fmt.Errorf("%w: output schema: %v", ErrInvalidDefinition, err)
	}
	return nil
}
