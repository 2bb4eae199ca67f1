package scoring

import (
	"strings"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

var lexicon = []struct {
	label domain.Sentiment
	words []string
}{
	{domain.SentimentFrustrated, []string{"frustrat", "annoy", "ridiculous", "unacceptable", "complain", "still waiting", "fed up", "again?"}},
	{domain.SentimentConfused, []string{"confus", "don't understand", "not sure", "unclear", "what does", "which form", "?"}},
	{domain.SentimentPositive, []string{"thank", "great", "perfect", "happy", "appreciate", "done"}},
}

// ClassifySentiment labels an inbound message with a keyword lexicon.
// Earlier labels in the lexicon win so frustration is never masked by a
// polite sign-off.
func ClassifySentiment(text string) domain.Sentiment {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return domain.SentimentNone
	}
	for _, entry := range lexicon {
		for _, w := range entry.words {
			if strings.Contains(t, w) {
				return entry.label
			}
		}
	}
	return domain.SentimentNeutral
}
