// Package classifier estimates task complexity for incoming coding
// requests with a three-tier cascade: a zero-latency heuristic matcher,
// a small learned model, and an LLM fallback for ambiguous inputs.
package classifier

// Complexity buckets an incoming task by expected effort.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
	ComplexityEpic    Complexity = "epic"
)

func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex, ComplexityEpic:
		return true
	}
	return false
}

// TaskType labels the kind of work a request asks for. Chitchat and
// questions are answered directly; the task types route to strategy
// pipelines.
type TaskType string

const (
	TaskBugFix        TaskType = "bug_fix"
	TaskFeature       TaskType = "feature"
	TaskRefactor      TaskType = "refactor"
	TaskTesting       TaskType = "testing"
	TaskDocumentation TaskType = "documentation"
	TaskQuestion      TaskType = "question"
	TaskChitchat      TaskType = "chitchat"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskBugFix, TaskFeature, TaskRefactor, TaskTesting, TaskDocumentation, TaskQuestion, TaskChitchat:
		return true
	}
	return false
}

// Strategy is the execution approach the orchestrator selects for a
// complexity bucket.
type Strategy string

const (
	StrategySingleShot     Strategy = "single_shot"
	StrategyIterative      Strategy = "iterative"
	StrategyMultiAgent     Strategy = "multi_agent"
	StrategyHybridEnsemble Strategy = "hybrid_ensemble"
)

// StrategyFor maps a complexity bucket to its execution strategy.
func StrategyFor(c Complexity) Strategy {
	switch c {
	case ComplexitySimple:
		return StrategySingleShot
	case ComplexityMedium:
		return StrategyIterative
	case ComplexityComplex:
		return StrategyMultiAgent
	case ComplexityEpic:
		return StrategyHybridEnsemble
	}
	return StrategyIterative
}

// EstimatedTokens returns the fixed token budget estimate per bucket.
func EstimatedTokens(c Complexity) int {
	switch c {
	case ComplexitySimple:
		return 1_000
	case ComplexityMedium:
		return 4_000
	case ComplexityComplex:
		return 16_000
	case ComplexityEpic:
		return 64_000
	}
	return 4_000
}

// Tier names, reported as the deepest tier consulted for a decision.
const (
	TierHeuristic = "heuristic"
	TierLearned   = "learned"
	TierLLM       = "llm"
)

// Result is a classification decision.
type Result struct {
	TaskType        TaskType   `json:"taskType"`
	Complexity      Complexity `json:"complexity"`
	Strategy        Strategy   `json:"strategy"`
	Confidence      float64    `json:"confidence"`
	ClassifierUsed  string     `json:"classifierUsed"`
	EstimatedTokens int        `json:"estimatedTokens"`
	Reason          string     `json:"reason,omitempty"`
}

func newResult(task TaskType, c Complexity, confidence float64, tier, reason string) *Result {
	return &Result{
		TaskType:        task,
		Complexity:      c,
		Strategy:        StrategyFor(c),
		Confidence:      confidence,
		ClassifierUsed:  tier,
		EstimatedTokens: EstimatedTokens(c),
		Reason:          reason,
	}
}
