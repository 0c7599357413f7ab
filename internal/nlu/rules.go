// SPDX-License-Identifier: AGPL-3.0-or-later

package nlu

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// rulesExtractor classifies intents with keyword rules. It is deterministic
// and runs offline, which makes it the default backend and the one used in
// tests. Confidence reflects how decisively one intent family won.
type rulesExtractor struct{}

type intentRule struct {
	intentType string
	action     string
	keywords   []string
}

// Rule order is the tie-break: earlier rules win equal scores.
var intentRules = []intentRule{
	{"data_cleanup", "delete", []string{"delete", "remove", "archive", "purge", "clean", "stale"}},
	{"data_entry", "create", []string{"create", "add", "insert", "register", "record"}},
	{"notification", "notify", []string{"notify", "email", "alert", "remind", "message"}},
	{"reporting", "report", []string{"report", "summarize", "analyze", "export", "digest"}},
	{"integration", "integrate", []string{"integrate", "sync", "connect", "import", "webhook"}},
	{"deployment", "deploy", []string{"deploy", "release", "rollout", "publish"}},
}

var budgetPattern = regexp.MustCompile(`(?i)(?:under|below|less than|max(?:imum)?(?: of)?)\s*\$\s*([0-9]+(?:\.[0-9]+)?)`)

func (rulesExtractor) Extract(_ context.Context, text string) (Entities, error) {
	lowered := strings.ToLower(text)

	scores := make([]int, len(intentRules))
	total := 0
	for i, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				scores[i]++
				total++
			}
		}
	}

	entities := Entities{
		Action:     "create",
		Target:     strings.TrimSpace(text),
		IntentType: "general",
		Confidence: 0.3,
	}
	if m := budgetPattern.FindStringSubmatch(text); m != nil {
		entities.Constraints = append(entities.Constraints, DeclaredConstraint{
			Type: "budget", Value: m[1], Hard: true,
		})
	}
	if total == 0 {
		return entities, nil
	}

	type ranked struct {
		index int
		score int
	}
	order := make([]ranked, 0, len(intentRules))
	for i, score := range scores {
		if score > 0 {
			order = append(order, ranked{i, score})
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return order[a].score > order[b].score })

	best := order[0]
	entities.IntentType = intentRules[best.index].intentType
	entities.Action = intentRules[best.index].action
	entities.Confidence = float64(best.score) / float64(total)
	for _, alt := range order[1:] {
		entities.Alternatives = append(entities.Alternatives, Candidate{
			IntentType: intentRules[alt.index].intentType,
			Confidence: float64(alt.score) / float64(total),
		})
	}
	return entities, nil
}
