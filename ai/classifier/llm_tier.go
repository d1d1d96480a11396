package classifier

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/ai/llm"
)

// llmTier is tier 3: a structured classification prompt for inputs the
// cheaper tiers could not decide.

const classifySystemPrompt = `You are a task classifier for a coding agent platform.
Classify the user's request by what kind of work it asks for:
bug_fix, feature, refactor, testing, documentation, question, chitchat.

And by expected effort, into exactly one bucket:
- simple: trivial edits, factual questions, single-line changes
- medium: a contained feature, bug fix, or test in one area
- complex: multi-file work, refactoring, performance or concurrency concerns
- epic: codebase-wide rewrites, migrations, or multi-service efforts

Respond with ONLY a JSON object, no prose:
{"taskType":"bug_fix|feature|refactor|testing|documentation|question|chitchat","complexity":"simple|medium|complex|epic","confidence":0.0-1.0,"reason":"short justification"}`

type llmVerdict struct {
	TaskType   string  `json:"taskType"`
	Complexity string  `json:"complexity"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// classifyWithLLM asks tier 3 for a verdict. A verdict with a missing
// or unknown task type keeps fallbackTask, the cheaper tiers' label.
func classifyWithLLM(ctx context.Context, service llm.Service, input string, fallbackTask TaskType) (TaskType, Complexity, float64, string, error) {
	content, _, err := service.Chat(ctx, []llm.Message{
		llm.SystemPrompt(classifySystemPrompt),
		llm.UserMessage(input),
	})
	if err != nil {
		return "", "", 0, "", err
	}

	verdict, err := parseVerdict(content)
	if err != nil {
		return "", "", 0, "", err
	}

	complexity := Complexity(strings.ToLower(verdict.Complexity))
	if !complexity.Valid() {
		return "", "", 0, "", errors.Errorf("llm returned unknown complexity %q", verdict.Complexity)
	}
	task := TaskType(strings.ToLower(verdict.TaskType))
	if !task.Valid() {
		task = fallbackTask
	}
	confidence := verdict.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	return task, complexity, confidence, verdict.Reason, nil
}

// parseVerdict tolerates prose around the JSON object; some models wrap
// answers in code fences despite instructions.
func parseVerdict(content string) (*llmVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errors.Errorf("no JSON object in llm response: %.80s", content)
	}
	var verdict llmVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return nil, errors.Wrap(err, "failed to parse llm verdict")
	}
	return &verdict, nil
}
