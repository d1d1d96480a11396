package classifier

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"os"
	"strings"

	_ "embed"

	"github.com/pkg/errors"
)

// Learned implements tier 2: a linear model over hashed bag-of-words
// features. The artifact is produced by the offline retraining pipeline
// and shipped versioned; the embedded copy is the fallback when no
// artifact path is configured.

//go:embed model.json
var embeddedModel []byte

type modelArtifact struct {
	Version string      `json:"version"`
	Dim     int         `json:"dim"`
	Classes []string    `json:"classes"`
	Bias    []float64   `json:"bias"`
	Weights [][]float64 `json:"weights"`

	// Task head over the same feature space. Optional: artifacts
	// trained before the task head existed carry complexity only.
	TaskClasses []string    `json:"taskClasses,omitempty"`
	TaskBias    []float64   `json:"taskBias,omitempty"`
	TaskWeights [][]float64 `json:"taskWeights,omitempty"`
}

type Learned struct {
	artifact modelArtifact
}

// NewLearned loads the artifact from path, or the embedded default
// when path is empty.
func NewLearned(path string) (*Learned, error) {
	data := embeddedModel
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read model artifact %s", path)
		}
		data = fileData
	}
	return NewLearnedFromArtifact(data)
}

// NewLearnedFromArtifact parses and validates a serialized model.
func NewLearnedFromArtifact(data []byte) (*Learned, error) {
	var artifact modelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, errors.Wrap(err, "failed to parse model artifact")
	}
	if artifact.Dim <= 0 || len(artifact.Classes) == 0 {
		return nil, errors.New("model artifact missing dim or classes")
	}
	if len(artifact.Weights) != len(artifact.Classes) || len(artifact.Bias) != len(artifact.Classes) {
		return nil, errors.New("model artifact weight shape mismatch")
	}
	for _, row := range artifact.Weights {
		if len(row) != artifact.Dim {
			return nil, errors.New("model artifact weight row shape mismatch")
		}
	}
	for _, class := range artifact.Classes {
		if !Complexity(class).Valid() {
			return nil, errors.Errorf("model artifact has unknown class %q", class)
		}
	}
	if len(artifact.TaskClasses) > 0 {
		if len(artifact.TaskWeights) != len(artifact.TaskClasses) || len(artifact.TaskBias) != len(artifact.TaskClasses) {
			return nil, errors.New("model artifact task head shape mismatch")
		}
		for _, row := range artifact.TaskWeights {
			if len(row) != artifact.Dim {
				return nil, errors.New("model artifact task weight row shape mismatch")
			}
		}
		for _, class := range artifact.TaskClasses {
			if !TaskType(class).Valid() {
				return nil, errors.Errorf("model artifact has unknown task class %q", class)
			}
		}
	}
	return &Learned{artifact: artifact}, nil
}

// Version returns the artifact version string.
func (l *Learned) Version() string {
	return l.artifact.Version
}

// Classify runs the linear model and returns the argmax classes with
// the complexity head's softmax probability as the gating confidence.
// An artifact without a task head returns an empty task type; the
// cascade keeps the keyword tier's label in that case.
func (l *Learned) Classify(input string) (TaskType, Complexity, float64) {
	features := l.featurize(input)

	best, bestProb := argmaxHead(l.artifact.Bias, l.artifact.Weights, features)
	complexity := Complexity(l.artifact.Classes[best])

	var task TaskType
	if len(l.artifact.TaskClasses) > 0 {
		taskBest, _ := argmaxHead(l.artifact.TaskBias, l.artifact.TaskWeights, features)
		task = TaskType(l.artifact.TaskClasses[taskBest])
	}
	return task, complexity, bestProb
}

func argmaxHead(bias []float64, weights [][]float64, features map[int]float64) (int, float64) {
	logits := make([]float64, len(bias))
	for ci := range bias {
		sum := bias[ci]
		row := weights[ci]
		for idx, val := range features {
			sum += row[idx] * val
		}
		logits[ci] = sum
	}
	probs := softmax(logits)
	best, bestProb := 0, probs[0]
	for i, p := range probs {
		if p > bestProb {
			best, bestProb = i, p
		}
	}
	return best, bestProb
}

// featurize hashes lowercase word tokens into the model's feature
// space. Sparse map keeps the dot product proportional to input size.
func (l *Learned) featurize(input string) map[int]float64 {
	features := map[int]float64{}
	count := 0
	for _, token := range strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		features[int(h.Sum32())%l.artifact.Dim]++
		count++
	}
	if count > 0 {
		norm := math.Sqrt(float64(count))
		for idx := range features {
			features[idx] /= norm
		}
	}
	return features
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
