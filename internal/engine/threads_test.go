package engine

import "testing"

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		command  string
		wantKind OperationKind
		wantPath string
		wantQry  string
	}{
		{"cat internal/engine/engine.go", OpRead, "internal/engine/engine.go", ""},
		{"head -n 40 README.md", OpRead, "README.md", ""},
		{"sed -n 10,80p main.go", OpRead, "main.go", ""},
		{"sed -i s/foo/bar/ main.go", OpEdit, "main.go", ""},
		{"rg --line-number ParseKind", OpSearch, "", "ParseKind"},
		{"grep -r TODO src", OpSearch, "", "TODO"},
		{"ls -la cmd", OpSearch, "cmd", ""},
		{"find . -name *.go", OpSearch, ".", ""},
		{"rm -rf build", OpEdit, "build", ""},
		{"touch NOTES.md", OpEdit, "NOTES.md", ""},
		{"curl https://example.com/api", OpFetch, "", "https://example.com/api"},
		{"go test ./...", OpExecute, "", ""},
		{"make build", OpExecute, "", ""},
		{"", OpExecute, "", ""},
	}

	for _, tt := range tests {
		got := classifyCommand(tt.command)
		if got.Kind != tt.wantKind {
			t.Errorf("classifyCommand(%q).Kind = %q, want %q", tt.command, got.Kind, tt.wantKind)
			continue
		}
		if got.Path != tt.wantPath {
			t.Errorf("classifyCommand(%q).Path = %q, want %q", tt.command, got.Path, tt.wantPath)
		}
		if got.Query != tt.wantQry {
			t.Errorf("classifyCommand(%q).Query = %q, want %q", tt.command, got.Query, tt.wantQry)
		}
		if got.Command != tt.command {
			t.Errorf("classifyCommand(%q).Command = %q, original must be kept", tt.command, got.Command)
		}
	}
}

func TestClassifyCommand_ShellWrapper(t *testing.T) {
	got := classifyCommand(`bash -lc "cat go.mod"`)
	if got.Kind != OpRead {
		t.Fatalf("Kind = %q, want %q", got.Kind, OpRead)
	}
	if got.Path != "go.mod" {
		t.Errorf("Path = %q, want go.mod", got.Path)
	}
	if got.Command != `bash -lc "cat go.mod"` {
		t.Errorf("Command = %q, want the full original", got.Command)
	}
}

func TestClassifyCommand_Redirect(t *testing.T) {
	got := classifyCommand("echo hello > greeting.txt")
	if got.Kind != OpEdit {
		t.Fatalf("Kind = %q, want %q", got.Kind, OpEdit)
	}
	if got.Path != "greeting.txt" {
		t.Errorf("Path = %q, want greeting.txt", got.Path)
	}
}

func TestThreadsTranslate_MessageLifecycle(t *testing.T) {
	a := threadsAdapter{}

	evs := a.Translate(&ThreadEvent{
		Method: ThreadNotifyItemStarted,
		Item:   &ThreadItem{ID: "item_0", Type: ThreadItemAgentMessage},
	})
	if len(evs) != 1 || evs[0].Type != EventMessageStart {
		t.Fatalf("item/started(agentMessage) = %+v, want message start", evs)
	}

	evs = a.Translate(&ThreadEvent{Method: ThreadNotifyMessageDelta, ItemID: "item_0", Delta: "Hi"})
	if len(evs) != 1 || evs[0].Type != EventTextDelta || evs[0].Text != "Hi" {
		t.Fatalf("agentMessage/delta = %+v, want text delta", evs)
	}

	evs = a.Translate(&ThreadEvent{Method: ThreadNotifyReasoningDelta, ItemID: "item_1", Delta: "hmm"})
	if len(evs) != 1 || evs[0].Type != EventThinkingDelta {
		t.Fatalf("reasoning/textDelta = %+v, want thinking delta", evs)
	}

	evs = a.Translate(&ThreadEvent{Method: ThreadNotifyTurnCompleted, Success: true})
	if len(evs) != 1 || evs[0].Type != EventTurnComplete || evs[0].StopReason != "" {
		t.Fatalf("turn/completed = %+v, want clean turn complete", evs)
	}
}

func TestThreadsTranslate_TurnFailure(t *testing.T) {
	a := threadsAdapter{}
	evs := a.Translate(&ThreadEvent{
		Method:  ThreadNotifyTurnCompleted,
		Success: false,
		ErrText: "model overloaded",
	})

	if len(evs) != 1 {
		t.Fatalf("Translate() returned %d events, want 1", len(evs))
	}
	if evs[0].StopReason != "error" || evs[0].Text != "model overloaded" {
		t.Errorf("evs[0] = %+v, want error turn complete", evs[0])
	}
}

func TestThreadsTranslate_CommandItem(t *testing.T) {
	a := threadsAdapter{}

	evs := a.Translate(&ThreadEvent{
		Method: ThreadNotifyItemStarted,
		Item:   &ThreadItem{ID: "item_2", Type: ThreadItemCommand, Command: "cat go.mod"},
	})
	if len(evs) != 1 {
		t.Fatalf("item/started returned %d events, want 1", len(evs))
	}
	if evs[0].Type != EventToolStart || evs[0].ToolID != "item_2" {
		t.Fatalf("evs[0] = %+v, want tool start for item_2", evs[0])
	}
	if evs[0].Input.Kind != OpRead {
		t.Errorf("Input.Kind = %q, want %q (reclassified)", evs[0].Input.Kind, OpRead)
	}

	code := 0
	evs = a.Translate(&ThreadEvent{
		Method: ThreadNotifyItemCompleted,
		Item: &ThreadItem{
			ID: "item_2", Type: ThreadItemCommand, Status: "completed",
			AggregatedOutput: "module verso", ExitCode: &code,
		},
	})
	if len(evs) != 1 || evs[0].Type != EventToolResult {
		t.Fatalf("item/completed = %+v, want tool result", evs)
	}
	if evs[0].Result.Text != "module verso" || evs[0].Result.IsError {
		t.Errorf("Result = %+v", evs[0].Result)
	}
}

func TestThreadsTranslate_CommandFailure(t *testing.T) {
	a := threadsAdapter{}
	code := 2
	evs := a.Translate(&ThreadEvent{
		Method: ThreadNotifyItemCompleted,
		Item: &ThreadItem{
			ID: "item_3", Type: ThreadItemCommand, Status: "completed",
			AggregatedOutput: "no such file", ExitCode: &code,
		},
	})

	if len(evs) != 1 || !evs[0].Result.IsError {
		t.Fatalf("Translate() = %+v, want error result on exit code 2", evs)
	}
}

func TestThreadsTranslate_FileChangeItem(t *testing.T) {
	a := threadsAdapter{}
	evs := a.Translate(&ThreadEvent{
		Method: ThreadNotifyItemStarted,
		Item: &ThreadItem{
			ID: "item_4", Type: ThreadItemFileChange,
			Changes: []ThreadFileChange{{Path: "internal/store/store.go", Kind: "modify"}},
		},
	})

	if len(evs) != 1 {
		t.Fatalf("Translate() returned %d events, want 1", len(evs))
	}
	if evs[0].Input.Kind != OpEdit || evs[0].Input.Path != "internal/store/store.go" {
		t.Errorf("Input = %+v, want edit of store.go", evs[0].Input)
	}
}

func TestThreadsTranslate_Plan(t *testing.T) {
	a := threadsAdapter{}
	evs := a.Translate(&ThreadEvent{
		Method: ThreadNotifyPlanUpdated,
		Plan: []ThreadPlanEntry{
			{Description: "read the code", Status: "completed"},
			{Description: "write the fix", Status: "in_progress"},
		},
	})

	if len(evs) != 1 || evs[0].Type != EventPlan {
		t.Fatalf("Translate() = %+v, want one plan event", evs)
	}
	if len(evs[0].Plan) != 2 || evs[0].Plan[1].Title != "write the fix" {
		t.Errorf("Plan = %+v", evs[0].Plan)
	}
}

func TestThreadsTranslate_UserMessageIgnored(t *testing.T) {
	a := threadsAdapter{}
	evs := a.Translate(&ThreadEvent{
		Method: ThreadNotifyItemStarted,
		Item:   &ThreadItem{ID: "item_5", Type: ThreadItemUserMessage},
	})
	if evs != nil {
		t.Errorf("Translate(userMessage item) = %v, want nil", evs)
	}
}
