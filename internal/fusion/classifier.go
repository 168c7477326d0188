package fusion

import (
	"context"
	"strings"
)

// Intent is what the classifier believes a topic is asking for, with the
// data sources most likely to answer it, best first.
type Intent struct {
	Kind       string   `json:"kind"`
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
}

// Classifier scores a free-text topic. The production deployment plugs an
// LLM-backed implementation in here; the default is a keyword heuristic.
type Classifier interface {
	Classify(ctx context.Context, topic string) Intent
}

// KeywordClassifier is the built-in heuristic: cue words pick the likely
// source, anything else is a general lookup across memories.
type KeywordClassifier struct{}

var intentCues = []struct {
	kind    string
	sources []string
	cues    []string
}{
	{"relational", []string{"graph", "memories"}, []string{"who", "whom", "related", "knows", "relationship", "connected"}},
	{"episodic", []string{"memories"}, []string{"remember", "said", "told", "mentioned", "last time", "when did"}},
	{"factual", []string{"tables", "memories"}, []string{"list", "how many", "count", "table", "records", "entries"}},
	{"identity", []string{"profile"}, []string{"my name", "timezone", "preference", "about me"}},
}

func (KeywordClassifier) Classify(_ context.Context, topic string) Intent {
	lower := strings.ToLower(topic)
	for _, c := range intentCues {
		for _, cue := range c.cues {
			if strings.Contains(lower, cue) {
				return Intent{Kind: c.kind, Sources: c.sources, Confidence: 0.7}
			}
		}
	}
	return Intent{Kind: "general", Sources: []string{"memories", "graph"}, Confidence: 0.4}
}
