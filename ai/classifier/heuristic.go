package classifier

import (
	"regexp"
	"strings"
)

// Heuristic implements tier 1 keyword and pattern matching.
// Target: zero added latency, confident answers for clear-cut inputs.
type Heuristic struct {
	buckets map[Complexity][]string
	tasks   map[TaskType][]string
}

// taskPriority breaks ties between task buckets with the same score;
// the more specific work types win over the catch-alls.
var taskPriority = []TaskType{
	TaskBugFix, TaskRefactor, TaskTesting, TaskDocumentation,
	TaskFeature, TaskQuestion, TaskChitchat,
}

// Pre-compiled structural signals.
var (
	codeFenceRegex = regexp.MustCompile("```")
	filePathRegex  = regexp.MustCompile(`[\w./-]+\.(go|py|ts|js|rs|java|c|cpp|sql|yaml|yml|json|proto)\b`)
	bulletRegex    = regexp.MustCompile(`(?m)^\s*([-*]|\d+\.)\s`)
)

func NewHeuristic() *Heuristic {
	return &Heuristic{
		buckets: map[Complexity][]string{
			ComplexitySimple: {
				"typo", "rename", "what is", "what does", "explain", "how do i",
				"why does", "format", "add a comment", "one line", "quick question",
				"syntax", "meaning of",
			},
			ComplexityMedium: {
				"implement", "add a", "fix the bug", "fix bug", "write a test",
				"write tests", "debug", "endpoint", "add feature", "validate",
				"update the", "integrate", "parse",
			},
			ComplexityComplex: {
				"refactor", "architecture", "concurrency", "race condition",
				"distributed", "performance", "optimize", "security audit",
				"database schema", "migration", "deadlock", "across modules",
				"benchmark",
			},
			ComplexityEpic: {
				"entire codebase", "rewrite", "from scratch", "redesign",
				"monorepo", "migrate everything", "all services", "overhaul",
				"new platform", "microservices split",
			},
		},
		tasks: map[TaskType][]string{
			TaskBugFix: {
				"fix", "bug", "error", "broken", "crash", "regression",
				"doesn't work", "not working", "off-by-one", "failing",
				"exception", "panic",
			},
			TaskFeature: {
				"implement", "add", "create", "support", "build",
				"introduce", "endpoint", "new feature",
			},
			TaskRefactor: {
				"refactor", "clean up", "restructure", "simplify",
				"extract", "rewrite", "redesign", "rename",
			},
			TaskTesting: {
				"test", "coverage", "benchmark", "assertion",
			},
			TaskDocumentation: {
				"document", "readme", "docstring", "changelog", "comment",
			},
			TaskQuestion: {
				"what is", "what does", "how do", "how does", "why does",
				"explain", "meaning of",
			},
			TaskChitchat: {
				"hello", "hi there", "thanks", "thank you", "good morning",
			},
		},
	}
}

// classifyTask scores the input against the task keyword table. The
// boolean reports uniqueness: exactly one bucket matched.
func (h *Heuristic) classifyTask(lower string) (TaskType, bool) {
	scores := map[TaskType]int{}
	for task, keywords := range h.tasks {
		for _, keyword := range keywords {
			if strings.Contains(lower, keyword) {
				scores[task]++
			}
		}
	}
	if len(scores) == 0 {
		if strings.Contains(lower, "?") || questionOpener(lower) {
			return TaskQuestion, false
		}
		return TaskChitchat, false
	}
	var best TaskType
	bestScore := 0
	for _, task := range taskPriority {
		if scores[task] > bestScore {
			best, bestScore = task, scores[task]
		}
	}
	return best, len(scores) == 1
}

func questionOpener(lower string) bool {
	for _, opener := range []string{"what ", "how ", "why ", "when ", "where ", "who ", "can ", "is ", "does ", "should "} {
		if strings.HasPrefix(lower, opener) {
			return true
		}
	}
	return false
}

// Classify scores the input against the task and complexity tables and
// returns the winners with a confidence in [0, 1). Inputs with no
// signal fall back to medium at low confidence so the next tier
// decides.
func (h *Heuristic) Classify(input string) (TaskType, Complexity, float64, string) {
	lower := strings.ToLower(input)

	task, taskUnique := h.classifyTask(lower)

	scores := map[Complexity]float64{}
	hits := map[Complexity][]string{}
	for bucket, keywords := range h.buckets {
		for _, keyword := range keywords {
			if strings.Contains(lower, keyword) {
				scores[bucket] += 1.0
				hits[bucket] = append(hits[bucket], keyword)
			}
		}
	}

	// Structural signals push toward heavier buckets.
	if codeFenceRegex.MatchString(input) {
		scores[ComplexityMedium] += 0.5
	}
	if len(filePathRegex.FindAllString(input, 4)) >= 3 {
		scores[ComplexityComplex] += 1.0
	}
	if len(bulletRegex.FindAllString(input, 6)) >= 4 {
		scores[ComplexityComplex] += 0.5
	}
	if len(input) > 2000 {
		scores[ComplexityComplex] += 0.5
	} else if len(input) < 80 && len(scores) == 0 {
		scores[ComplexitySimple] += 0.5
	}

	var best Complexity
	var bestScore, total float64
	for _, bucket := range []Complexity{ComplexityEpic, ComplexityComplex, ComplexityMedium, ComplexitySimple} {
		score := scores[bucket]
		total += score
		if score > bestScore {
			best, bestScore = bucket, score
		}
	}

	if total == 0 {
		return task, ComplexityMedium, 0.3, "no heuristic signal"
	}

	// Share of the winning bucket, boosted when the margin over the
	// runner-up is decisive and when exactly one task category matched.
	confidence := bestScore / total
	margin := bestScore - runnerUp(scores, best)
	if margin >= 2 {
		confidence += 0.15
	}
	if taskUnique {
		confidence += 0.05
	}
	if confidence > 0.99 {
		confidence = 0.99
	}

	reason := "matched: " + strings.Join(hits[best], ", ")
	if len(hits[best]) == 0 {
		reason = "structural signals"
	}
	return task, best, confidence, reason
}

func runnerUp(scores map[Complexity]float64, best Complexity) float64 {
	second := 0.0
	for bucket, score := range scores {
		if bucket != best && score > second {
			second = score
		}
	}
	return second
}
