package orchestrator

import (
	"fmt"

	"github.com/codeforge-ai/codeforge/ai/classifier"
	"github.com/codeforge-ai/codeforge/ai/llm"
	"github.com/codeforge-ai/codeforge/store"
)

const agentSystemPrompt = `You are CodeForge, an expert coding assistant embedded in a development platform.
You help with code review, debugging, implementation, and architecture questions.
Answer precisely and concretely. Prefer working code over prose. When the request
is ambiguous, state your assumption in one line and proceed.`

// strategyHints steer response depth per execution strategy.
var strategyHints = map[classifier.Strategy]string{
	classifier.StrategySingleShot:     "This is a small request: answer directly and briefly.",
	classifier.StrategyIterative:      "Work through this step by step and show the resulting code.",
	classifier.StrategyMultiAgent:     "This is a larger task: outline the plan first, then work through each part.",
	classifier.StrategyHybridEnsemble: "This is a very large effort: produce a phased plan with milestones before any code.",
}

// buildPrompt assembles the completion request: system prompt with the
// strategy hint, the recent history window in order, and the current
// user message last.
func buildPrompt(history []*store.Message, current string, decision *classifier.Result) []llm.Message {
	system := agentSystemPrompt
	if hint, ok := strategyHints[decision.Strategy]; ok {
		system = fmt.Sprintf("%s\n\n%s", system, hint)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.SystemPrompt(system))
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			messages = append(messages, llm.UserMessage(m.Content))
		case store.RoleAssistant:
			messages = append(messages, llm.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, llm.UserMessage(current))
	return messages
}
