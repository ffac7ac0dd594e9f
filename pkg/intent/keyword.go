package intent

import (
	"context"
	"regexp"
	"strings"
)

var pathPattern = regexp.MustCompile(`(?:^|\s)([\w./-]+\.(?:go|py|js|ts|tsx|jsx|rs|java|rb|c|h|cpp|md|yaml|yml|json|toml|sh))\b`)

// KeywordClassifier scores input by vocabulary hits. It needs no backend.
//
// Each hit adds 0.25 to a base of 0.35, and a hit on the first word counts
// twice. Scores cap at 0.95.
type KeywordClassifier struct {
	vocab map[Kind][]string
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{vocab: map[Kind][]string{
		Question: {"what", "why", "how", "when", "where", "who", "which", "is", "are", "does", "do", "can", "could", "explain", "describe"},
		Task:     {"make", "run", "build", "test", "improve", "optimize", "implement", "add", "create", "install", "setup", "clean"},
		CodeEdit: {"edit", "rename", "replace", "change", "fix", "refactor", "rewrite", "delete", "remove", "update", "modify"},
		Plan:     {"plan", "steps", "roadmap", "design", "outline", "strategy", "approach", "break"},
	}}
}

// Classify scores text. An answer to a clarification is scored together
// with the input that prompted it.
func (k *KeywordClassifier) Classify(_ context.Context, text string, sc SessionContext) (Intent, error) {
	if sc.Clarifying != "" {
		text = sc.Clarifying + " " + text
	}
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	if len(words) == 0 {
		return Intent{Kind: Unknown}, nil
	}

	hits := make(map[Kind]int)
	for kind, vocab := range k.vocab {
		for i, w := range words {
			for _, v := range vocab {
				if w != v {
					continue
				}
				hits[kind]++
				if i == 0 {
					hits[kind]++
				}
			}
		}
	}
	if strings.HasSuffix(strings.TrimSpace(lower), "?") {
		hits[Question] += 2
	}

	entities := map[string]string{}
	if m := pathPattern.FindStringSubmatch(text); m != nil {
		hits[CodeEdit]++
		entities["path"] = m[1]
	}
	if sc.ActivePlan != "" && hits[Plan] > 0 {
		entities["plan"] = sc.ActivePlan
	}

	var out Intent
	out.Kind = Unknown
	for _, kind := range Kinds {
		n := hits[kind]
		if n == 0 {
			continue
		}
		score := min(0.35+0.25*float64(n), 0.95)
		if out.Kind == Unknown {
			out.Kind, out.Confidence = kind, score
			continue
		}
		if score > out.Confidence {
			out.Alternatives = append(out.Alternatives, Alternative{Kind: out.Kind, Confidence: out.Confidence})
			out.Kind, out.Confidence = kind, score
			continue
		}
		out.Alternatives = append(out.Alternatives, Alternative{Kind: kind, Confidence: score})
	}
	if len(entities) > 0 {
		out.Entities = entities
	}
	out.Reasoning = "keyword match"
	return out, nil
}
