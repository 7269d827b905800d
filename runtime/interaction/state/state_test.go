package state

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	orig := map[string]any{
		"n":    1,
		"list": []any{1, map[string]any{"a": 1}},
		"m":    map[string]any{"x": []string{"a"}},
	}
	c := Clone(orig)
	c["list"].([]any)[1].(map[string]any)["a"] = 2
	c["m"].(map[string]any)["x"].([]string)[0] = "b"
	c["n"] = 5

	assert.Equal(t, 1, orig["list"].([]any)[1].(map[string]any)["a"])
	assert.Equal(t, "a", orig["m"].(map[string]any)["x"].([]string)[0])
	assert.Equal(t, 1, orig["n"])
	assert.Nil(t, Clone(nil))
}

func TestCompare(t *testing.T) {
	before := map[string]any{"a": 1, "b": "x", "c": []any{1}}
	after := map[string]any{"a": 2, "c": []any{1}, "d": true}
	d := Compare(before, after)
	assert.Equal(t, map[string]any{"d": true}, d.Added)
	assert.Equal(t, map[string]any{"b": "x"}, d.Removed)
	assert.Equal(t, map[string]Change{"a": {From: 1, To: 2}}, d.Changed)
	assert.False(t, d.Empty())
	assert.True(t, Compare(after, after).Empty())
}

func TestApplyOperations(t *testing.T) {
	current := map[string]any{
		"count":  1,
		"score":  1.5,
		"tags":   []any{"a"},
		"single": "x",
		"meta":   map[string]any{"k": 1},
		"gone":   true,
	}
	next, err := Apply(map[string]Update{
		"count":  {Op: OpIncrement, Value: 2},
		"score":  {Op: OpIncrement, Value: 1},
		"fresh":  {Op: OpIncrement, Value: 1},
		"tags":   {Op: OpAppend, Value: "b"},
		"single": {Op: OpAppend, Value: "y"},
		"meta":   {Op: OpMerge, Value: map[string]any{"j": 2}},
		"gone":   {Op: OpDelete},
		"name":   {Op: OpSet, Value: "n"},
	}, current)
	require.NoError(t, err)
	assert.Equal(t, 3, next["count"])
	assert.Equal(t, 2.5, next["score"])
	assert.Equal(t, 1, next["fresh"])
	assert.Equal(t, []any{"a", "b"}, next["tags"])
	assert.Equal(t, []any{"x", "y"}, next["single"])
	assert.Equal(t, map[string]any{"k": 1, "j": 2}, next["meta"])
	assert.NotContains(t, next, "gone")
	assert.Equal(t, "n", next["name"])

	// current is untouched
	assert.Equal(t, 1, current["count"])
	assert.Equal(t, []any{"a"}, current["tags"])
	assert.Contains(t, current, "gone")
}

func TestApplyMergeNonMapSets(t *testing.T) {
	next, err := Apply(map[string]Update{"m": {Op: OpMerge, Value: 3}}, map[string]any{"m": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, next["m"])
}

func TestApplyReportsBadIncrement(t *testing.T) {
	next, err := Apply(map[string]Update{
		"label": {Op: OpIncrement, Value: 1},
		"ok":    {Op: OpSet, Value: 1},
	}, map[string]any{"label": "x"})
	require.Error(t, err)
	assert.Equal(t, "x", next["label"])
	assert.Equal(t, 1, next["ok"])
}

func TestProcessTriggers(t *testing.T) {
	ctx := context.Background()
	u := NewUpdater(nil)
	require.NoError(t, u.AddAlways("pm", "spoke", true, OpSet))
	require.NoError(t, u.AddPattern("pm", `approv(e|al)`, "approved", true, OpSet))
	require.NoError(t, u.AddKeyword("pm", []string{"CRISIS"}, "alarm", 1, OpIncrement))
	require.NoError(t, u.AddCondition("pm", func(input, _ string, _ map[string]any) bool {
		return input == "budget?"
	}, "asked_budget", true, OpSet))
	require.NoError(t, u.AddInteractionCounter("pm", ""))

	ups := u.Process(ctx, "pm", "hello", "I APPROVE of this, no crisis", nil)
	assert.Contains(t, ups, "spoke")
	assert.Contains(t, ups, "approved")
	assert.Contains(t, ups, "alarm")
	assert.NotContains(t, ups, "asked_budget")
	assert.Equal(t, Update{Key: "interactions", Op: OpIncrement, Value: 1}, ups["interactions"])

	ups = u.Process(ctx, "pm", "budget?", "fine", nil)
	assert.Contains(t, ups, "asked_budget")
	assert.NotContains(t, ups, "approved")

	assert.Empty(t, u.Process(ctx, "other", "x", "approve", nil))
}

func TestProcessResolvesValues(t *testing.T) {
	u := NewUpdater(nil)
	require.NoError(t, u.AddRule(Rule{
		Agent:   "a",
		Trigger: TriggerAlways,
		Updates: []Update{{Key: "len", Op: OpSet, Resolve: func(_, response string, _ map[string]any) (any, error) {
			return len(response), nil
		}}},
	}))
	ups := u.Process(context.Background(), "a", "", "four", nil)
	assert.Equal(t, 4, ups["len"].Value)
}

func TestCallbackOverridesAndDefaultsToSet(t *testing.T) {
	u := NewUpdater(nil)
	require.NoError(t, u.AddAlways("a", "k", 1, OpIncrement))
	u.SetCallback("a", func(_, _, response string, _ map[string]any) (map[string]Update, error) {
		return map[string]Update{
			"k":    {Value: response},
			"list": {Op: OpAppend, Value: 1},
		}, nil
	})
	ups := u.Process(context.Background(), "a", "", "r", nil)
	assert.Equal(t, Update{Key: "k", Op: OpSet, Value: "r"}, ups["k"])
	assert.Equal(t, OpAppend, ups["list"].Op)
	assert.True(t, u.HasRules("a"))
}

func TestCallbackErrorsAreLoggedNotPropagated(t *testing.T) {
	u := NewUpdater(nil)
	u.SetCallback("a", func(string, string, string, map[string]any) (map[string]Update, error) {
		return nil, errors.New("boom")
	})
	assert.Empty(t, u.Process(context.Background(), "a", "", "", nil))
}

func TestConditionPanicDoesNotFire(t *testing.T) {
	u := NewUpdater(nil)
	require.NoError(t, u.AddCondition("a", func(string, string, map[string]any) bool { panic("x") }, "k", 1, OpSet))
	assert.Empty(t, u.Process(context.Background(), "a", "", "", nil))
}

func TestAddRuleValidation(t *testing.T) {
	u := NewUpdater(nil)
	assert.Error(t, u.AddRule(Rule{Trigger: TriggerAlways}))
	assert.Error(t, u.AddRule(Rule{Agent: "a", Trigger: TriggerPattern}))
	assert.Error(t, u.AddRule(Rule{Agent: "a", Trigger: TriggerKeyword}))
	assert.Error(t, u.AddRule(Rule{Agent: "a", Trigger: TriggerCondition}))
	assert.Error(t, u.AddRule(Rule{Agent: "a", Trigger: "sometimes"}))
	assert.Error(t, u.AddAlways("a", "k", 1, "double"))
	assert.Error(t, u.AddPattern("a", "(", "k", 1, OpSet))
}

func TestClearRules(t *testing.T) {
	u := NewUpdater(nil)
	require.NoError(t, u.AddAlways("a", "k", 1, OpSet))
	require.NoError(t, u.AddAlways("b", "k", 1, OpSet))
	u.ClearRules("a")
	assert.False(t, u.HasRules("a"))
	assert.True(t, u.HasRules("b"))
	assert.Len(t, u.Rules("b"), 1)
	u.ClearRules("")
	assert.False(t, u.HasRules("b"))
}

func TestExtractNumber(t *testing.T) {
	n, ok := ExtractNumber("approval is now -12.5 points", nil)
	require.True(t, ok)
	assert.Equal(t, -12.5, n)

	n, ok = ExtractNumber("rate: 7 of 10", regexp.MustCompile(`of (\d+)`))
	require.True(t, ok)
	assert.Equal(t, 10.0, n)

	_, ok = ExtractNumber("none here", nil)
	assert.False(t, ok)
}

func TestExtractBoolean(t *testing.T) {
	v, ok := ExtractBoolean("Yes, I agree.", nil)
	assert.True(t, ok)
	assert.True(t, v)

	v, ok = ExtractBoolean("I must refuse.", nil)
	assert.True(t, ok)
	assert.False(t, v)

	_, ok = ExtractBoolean("I know nothing", nil)
	assert.False(t, ok)

	v, ok = ExtractBoolean("absolutely", []string{"absolutely"})
	assert.True(t, ok)
	assert.True(t, v)
}
