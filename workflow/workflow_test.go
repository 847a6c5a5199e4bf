package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func linearDefinition() *Definition {
	return &Definition{
		Name:            "hello",
		StartActivityID: "a",
		Activities: []ActivityDefinition{
			{ID: "a", Type: "log"},
			{ID: "b", Type: "log"},
		},
		Transitions: []TransitionDefinition{{From: "a", To: "b"}},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, linearDefinition().Validate())
}

func TestValidateRejectsUnknownStart(t *testing.T) {
	d := linearDefinition()
	d.StartActivityID = "missing"
	require.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestValidateRejectsDuplicateActivityIDs(t *testing.T) {
	d := linearDefinition()
	d.Activities = append(d.Activities, ActivityDefinition{ID: "a", Type: "log"})
	require.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestValidateRejectsDanglingTransition(t *testing.T) {
	d := linearDefinition()
	d.Transitions = append(d.Transitions, TransitionDefinition{From: "b", To: "ghost"})
	require.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
}

func TestValidateRejectsBadCron(t *testing.T) {
	d := linearDefinition()
	d.Trigger = &Trigger{Type: TriggerScheduled, CronExpression: "not a cron"}
	require.ErrorIs(t, d.Validate(), ErrInvalidDefinition)

	d.Trigger.CronExpression = "0 0 2 * * *"
	require.NoError(t, d.Validate())
}

func TestTransitionsFromOrdersByPriority(t *testing.T) {
	d := linearDefinition()
	d.Activities = append(d.Activities, ActivityDefinition{ID: "c", Type: "log"})
	d.Transitions = []TransitionDefinition{
		{From: "a", To: "b"},                // default priority 100
		{From: "a", To: "c", Priority: 10},  // fires first
		{From: "b", To: "c", Priority: 200}, // different source
	}
	got := d.TransitionsFrom("a")
	require.Len(t, got, 2)
	require.Equal(t, "c", got[0].To)
	require.Equal(t, "b", got[1].To)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, BackoffMultiplier: 2}
	require.Equal(t, 10*time.Millisecond, p.Delay(1))
	require.Equal(t, 20*time.Millisecond, p.Delay(2))
	require.Equal(t, 35*time.Millisecond, p.Delay(3), "capped at MaxDelay")
}

func TestRetryPolicyAllows(t *testing.T) {
	p := &RetryPolicy{RetryOn: []string{"X", "Y"}, DoNotRetryOn: []string{"Y"}}
	require.True(t, p.Allows("X"))
	require.False(t, p.Allows("Y"), "DoNotRetryOn wins over RetryOn")
	require.False(t, p.Allows("Z"), "not in non-empty RetryOn")

	open := &RetryPolicy{}
	require.True(t, open.Allows("ANY"))
}

func TestStatusOrdinals(t *testing.T) {
	// Persisted layout pins the ordinal values; a reorder would corrupt
	// existing rows.
	require.Equal(t, 0, int(StatusPending))
	require.Equal(t, 7, int(StatusTimedOut))
	require.Equal(t, 0, int(ActivityPending))
	require.Equal(t, 6, int(ActivityCancelled))
	require.Equal(t, 0, int(TriggerManual))
	require.Equal(t, 4, int(TriggerWorkflow))
}

func TestInstanceJSONCamelCase(t *testing.T) {
	now := time.Now().UTC()
	inst := &Instance{
		ID:                "i1",
		WorkflowName:      "hello",
		WorkflowVersion:   2,
		Status:            StatusRunning,
		CurrentActivityID: "a",
		State:             map[string]any{"k": "v"},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	raw, err := json.Marshal(inst)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, float64(StatusRunning), doc["status"], "status marshals as ordinal")
	require.Contains(t, doc, "workflowName")
	require.Contains(t, doc, "currentActivityId")
	require.NotContains(t, doc, "completedAt")
}

func TestSchemaValidateInput(t *testing.T) {
	s := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"name":  {Type: "string"},
			"count": {Type: "integer"},
			"rate":  {Type: "number"},
			"ok":    {Type: "boolean"},
			"items": {Type: "array"},
			"meta":  {Type: "object"},
		},
		Required: []string{"name"},
	}

	require.NoError(t, s.ValidateInput(map[string]any{"name": "x"}))

	err := s.ValidateInput(map[string]any{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "name", verr.Field)
	require.Equal(t, "required", verr.Expected)

	err = s.ValidateInput(map[string]any{"name": nil})
	require.ErrorAs(t, err, &verr, "null required value is missing")

	err = s.ValidateInput(map[string]any{"name": "x", "count": 1.5})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "count", verr.Field)
	require.Equal(t, "integer", verr.Expected)

	// Decoded JSON integers arrive as float64 with integral values.
	require.NoError(t, s.ValidateInput(map[string]any{"name": "x", "count": float64(3)}))
	require.NoError(t, s.ValidateInput(map[string]any{
		"name": "x", "rate": 0.25, "ok": true,
		"items": []any{1}, "meta": map[string]any{"a": 1},
	}))

	err = s.ValidateInput(map[string]any{"name": "x", "ok": "yes"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "boolean", verr.Expected)
}

func TestSchemaCompile(t *testing.T) {
	s := &Schema{Type: "object", Properties: map[string]*Schema{"n": {Type: "number"}}}
	require.NoError(t, s.Compile())

	bad := &Schema{Type: "no-such-type"}
	require.Error(t, bad.Compile())
}

func TestInstanceClone(t *testing.T) {
	inst := &Instance{ID: "i1", State: map[string]any{"k": "v"}, Tags: []string{"t"}}
	c := inst.Clone()
	c.State["k"] = "mutated"
	c.Tags[0] = "mutated"
	require.Equal(t, "v", inst.State["k"], "expected defensive copy")
	require.Equal(t, "t", inst.Tags[0])
}
