package reasoning

import (
	"strings"
	"testing"

	"github.com/haasonsaas/overseer/pkg/models"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantAction models.DecisionAction
		wantTool   string
		wantErr    bool
	}{
		{
			name:       "plain tool decision",
			content:    `{"action": "use_tool", "tool": "web_search", "input": {"query": "go releases"}, "reasoning": "need current data"}`,
			wantAction: models.ActionUseTool,
			wantTool:   "web_search",
		},
		{
			name:       "finish decision",
			content:    `{"action": "finish", "reasoning": "task complete"}`,
			wantAction: models.ActionFinish,
		},
		{
			name:       "wrapped in code fence",
			content:    "Here is my decision:\n```json\n{\"action\": \"finish\", \"reasoning\": \"done\"}\n```",
			wantAction: models.ActionFinish,
		},
		{
			name:       "prose before and after",
			content:    `I will search now. {"action": "use_tool", "tool": "search", "input": {}} That should work.`,
			wantAction: models.ActionUseTool,
			wantTool:   "search",
		},
		{
			name:       "trailing comma repaired",
			content:    `{"action": "finish", "reasoning": "done",}`,
			wantAction: models.ActionFinish,
		},
		{
			name:       "unclosed object repaired",
			content:    `{"action": "finish", "reasoning": "done"`,
			wantAction: models.ActionFinish,
		},
		{
			name:    "no JSON at all",
			content: "I think we should search the web.",
			wantErr: true,
		},
		{
			name:    "invalid action value",
			content: `{"action": "ponder"}`,
			wantErr: true,
		},
		{
			name:    "use_tool without tool name",
			content: `{"action": "use_tool", "input": {}}`,
			wantErr: true,
		},
		{
			name:    "unknown extra field",
			content: `{"action": "finish", "confidence": 0.9}`,
			wantErr: true,
		},
		{
			name:    "missing action",
			content: `{"tool": "search"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := ParseDecision(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDecision() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDecision() error: %v", err)
			}
			if decision.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", decision.Action, tt.wantAction)
			}
			if decision.Tool != tt.wantTool {
				t.Errorf("Tool = %q, want %q", decision.Tool, tt.wantTool)
			}
			if decision.Input == nil {
				t.Error("Input is nil, want at least empty object")
			}
		})
	}
}

func TestExtractJSONObjectNestedBraces(t *testing.T) {
	content := `{"action": "use_tool", "tool": "send", "input": {"body": "use {curly} braces"}}`
	got := extractJSONObject(content)
	if got != content {
		t.Errorf("extractJSONObject() = %q, want full object", got)
	}
}

func TestExtractJSONObjectStringEscapes(t *testing.T) {
	content := `prefix {"reasoning": "quote \" and brace } inside", "action": "finish"} suffix`
	got := extractJSONObject(content)
	if !strings.HasPrefix(got, `{"reasoning"`) || !strings.HasSuffix(got, `"finish"}`) {
		t.Errorf("extractJSONObject() = %q", got)
	}
}
