package decision

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

func TestParse_Execute(t *testing.T) {
	d, err := Parse([]byte(`{
		"converged": false,
		"reasoning": "nginx is not installed",
		"actions": [
			{"module": "shell", "host": "web1", "params": {"cmd": "apt-get install -y nginx", "timeout": 300}}
		],
		"observe": ["systemctl is-active nginx"],
		"state_ops": [
			{"op": "add_host", "name": "web2", "host": {"address": "10.0.0.2", "port": 22, "groups": ["web"]}},
			{"op": "add_resource", "name": "lb", "data": {"vip": "10.0.0.100"}}
		],
		"rule_results": [{"rule": "no-reboot", "matched": true, "approved": null}],
		"confidence": 0.8
	}`))
	require.NoError(t, err)

	assert.Equal(t, model.DecisionExecute, d.Kind())
	require.Len(t, d.Actions, 1)
	assert.Equal(t, doc.Object{"cmd": "apt-get install -y nginx", "timeout": json.Number("300")}, d.Actions[0].Params)
	assert.Equal(t, []any{"systemctl is-active nginx"}, d.Observe)
	require.Len(t, d.StateOps, 2)
	assert.Equal(t, model.StateOpAddHost, d.StateOps[0].Op)
	assert.Equal(t, model.HostAttrs{Address: "10.0.0.2", Port: 22, Groups: []string{"web"}}, d.StateOps[0].Host)
	assert.Nil(t, d.RuleResults[0].Approved)
	assert.NoError(t, Validate(d))
}

func TestParse_Branches(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want model.DecisionKind
	}{
		{"converged", `{"converged": true, "reasoning": "done"}`, model.DecisionConverged},
		{"ask", `{"reasoning": "risky", "ask": {"question": "Reboot web1?", "options": ["yes", "no"]}}`, model.DecisionAsk},
		{"noop", `{"reasoning": "waiting"}`, model.DecisionNoop},
		{"nulls", `{"ask": null, "actions": null, "state_ops": null}`, model.DecisionNoop},
		{"empty object", `{}`, model.DecisionNoop},
		{"blank ask executes", `{"ask": {"question": ""}, "actions": [{"module": "apt"}]}`, model.DecisionExecute},
		{"ask without question executes", `{"ask": {"options": ["a"]}, "actions": [{"module": "apt"}]}`, model.DecisionExecute},
		{"blank ask alone", `{"ask": {}}`, model.DecisionNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Kind())
		})
	}
}

func TestParse_ExtractsFromProse(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"converged\": true, \"reasoning\": \"all {good}\"}\n```\n"
	d, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.True(t, d.Converged)
	assert.Equal(t, "all {good}", d.Reasoning)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		code  string
		field string
	}{
		{"not json", `converged: yes`, ErrMalformed, "decision"},
		{"array", `[1, 2]`, ErrMalformed, "decision"},
		{"converged not bool", `{"converged": "yes"}`, ErrSchema, ""},
		{"action without module", `{"actions": [{"params": {}}]}`, ErrSchema, ""},
		{"empty module", `{"actions": [{"module": ""}]}`, ErrSchema, ""},
		{"unknown op", `{"state_ops": [{"op": "explode", "name": "x"}]}`, ErrSchema, ""},
		{"bad port", `{"state_ops": [{"op": "add_host", "name": "h", "host": {"port": 70000}}]}`, ErrSchema, ""},
		{"question not string", `{"ask": {"question": 7}}`, ErrSchema, ""},
		{"options not strings", `{"ask": {"question": "q", "options": [1]}}`, ErrSchema, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.code, ve.Code, ve.Error())
			if tt.field != "" {
				assert.Equal(t, tt.field, ve.Field)
			}
		})
	}
}

func TestCheck_CollectsAllProblems(t *testing.T) {
	d := model.Decision{
		Ask:         &model.Ask{},
		Actions:     []model.ActionSpec{{Module: "shell"}, {Module: " "}},
		StateOps:    []model.StateOp{{Op: "explode"}},
		RuleResults: []model.RuleEvaluation{{}},
	}
	problems := Check(d)
	var codes []string
	for _, p := range problems {
		codes = append(codes, p.Code)
	}
	assert.Equal(t, []string{ErrActionModule, ErrStateOpUnknown, ErrStateOpName, ErrRuleName}, codes)
	assert.Equal(t, "actions[1].module", problems[0].Field)

	err := Validate(d)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCheck_BlankAskIsNotAProblem(t *testing.T) {
	assert.Empty(t, Check(model.Decision{Converged: true, Ask: &model.Ask{}}))
	assert.Empty(t, Check(model.Decision{Ask: &model.Ask{}, Actions: []model.ActionSpec{{Module: "apt"}}}))
	assert.NoError(t, Validate(model.Decision{}))
}

func TestValidationError_Format(t *testing.T) {
	e := &ValidationError{Field: "converged", Message: "conflicting values", Code: ErrSchema, Line: 3}
	assert.Equal(t, "[D101] line 3: converged: conflicting values", e.Error())
	e.Line = 0
	assert.Equal(t, "[D101] converged: conflicting values", e.Error())
}

func TestParse_ConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := Parse([]byte(`{"actions": [{"module": "shell"}]}`))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}
