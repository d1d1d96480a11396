package classifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeforge-ai/codeforge/ai/llm"
	"github.com/codeforge-ai/codeforge/internal/metrics"
)

// Config tunes the cascade.
type Config struct {
	HeuristicThreshold float64       // accept tier 1 at or above this confidence (default 0.85)
	LearnedThreshold   float64       // accept tier 2 at or above this confidence (default 0.70)
	LLMTimeout         time.Duration // tier 3 deadline (default 10s)
	ModelPath          string        // learned artifact; empty uses the embedded default
	CacheCapacity      int
}

// Classifier runs the heuristic -> learned -> LLM cascade. It never
// fails a request: when the LLM tier errors or times out, the best
// answer from the cheaper tiers is used.
type Classifier struct {
	config    Config
	heuristic *Heuristic
	learned   *Learned
	llm       llm.Service
	cache     *decisionCache
	metrics   *metrics.Metrics
}

// New builds the cascade. The llm service may be nil; the cascade then
// stops after tier 2.
func New(config Config, service llm.Service, m *metrics.Metrics) (*Classifier, error) {
	if config.HeuristicThreshold <= 0 {
		config.HeuristicThreshold = 0.85
	}
	if config.LearnedThreshold <= 0 {
		config.LearnedThreshold = 0.70
	}
	if config.LLMTimeout <= 0 {
		config.LLMTimeout = 10 * time.Second
	}

	learned, err := NewLearned(config.ModelPath)
	if err != nil {
		return nil, err
	}
	slog.Info("classifier.model.loaded", "version", learned.Version())

	return &Classifier{
		config:    config,
		heuristic: NewHeuristic(),
		learned:   learned,
		llm:       service,
		cache:     newDecisionCache(config.CacheCapacity, 5*time.Minute, 30*time.Minute),
		metrics:   m,
	}, nil
}

// Classify decides the complexity of one input. ClassifierUsed reports
// the deepest tier consulted, even when a deeper tier failed and the
// decision fell back to a cheaper one.
func (c *Classifier) Classify(ctx context.Context, input string) *Result {
	if cached, ok := c.cache.get(input); ok {
		return cached
	}

	start := time.Now()
	result := c.classify(ctx, input)
	c.cache.set(input, result)

	if c.metrics != nil {
		c.metrics.ClassifierDecisions.WithLabelValues(result.ClassifierUsed).Inc()
		c.metrics.ClassifierLatency.WithLabelValues(result.ClassifierUsed).Observe(time.Since(start).Seconds())
	}
	slog.Debug("classifier.decision",
		"task", result.TaskType,
		"complexity", result.Complexity,
		"strategy", result.Strategy,
		"confidence", result.Confidence,
		"tier", result.ClassifierUsed,
	)
	return result
}

func (c *Classifier) classify(ctx context.Context, input string) *Result {
	task, complexity, confidence, reason := c.heuristic.Classify(input)
	if confidence >= c.config.HeuristicThreshold {
		return newResult(task, complexity, confidence, TierHeuristic, reason)
	}
	best := newResult(task, complexity, confidence, TierHeuristic, reason)

	learnedTask, learnedComplexity, learnedConfidence := c.learned.Classify(input)
	if learnedTask == "" {
		// Artifact without a task head; the keyword label stands.
		learnedTask = task
	}
	if learnedConfidence >= c.config.LearnedThreshold {
		return newResult(learnedTask, learnedComplexity, learnedConfidence, TierLearned, "learned model")
	}
	if learnedConfidence > best.Confidence {
		best = newResult(learnedTask, learnedComplexity, learnedConfidence, TierLearned, "learned model")
	}

	if c.llm == nil {
		return best
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.config.LLMTimeout)
	defer cancel()
	llmTask, llmComplexity, llmConfidence, llmReason, err := classifyWithLLM(llmCtx, c.llm, input, best.TaskType)
	if err != nil {
		slog.Warn("classifier.llm_tier.failed", "error", err, "fallback", best.Complexity)
		// The LLM tier was consulted, so it is reported even though
		// the decision comes from a cheaper tier.
		fallback := *best
		fallback.ClassifierUsed = TierLLM
		fallback.Reason = "llm tier unavailable; " + best.Reason
		return &fallback
	}
	return newResult(llmTask, llmComplexity, llmConfidence, TierLLM, llmReason)
}
