// Package scoring holds the pure scoring functions the scheduler and the
// document verifier consume: the linear priority model, document
// acceptance thresholds, a sentiment lexicon and the delay risk rules.
package scoring

import (
	"math"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// DefaultDocumentQuality is assumed when a case has no quality score yet.
const DefaultDocumentQuality = 75

// Features are the inputs of the priority model.
type Features struct {
	DaysInState     int
	DaysPastSLA     int
	ClientAge55Plus bool
	DocumentQuality float64
	Sentiment       domain.Sentiment
}

// FeaturesOf extracts model features from a case snapshot at now.
func FeaturesOf(c domain.Case, now time.Time) Features {
	q := c.DocumentQuality
	if q <= 0 {
		q = DefaultDocumentQuality
	}
	return Features{
		DaysInState:     c.DaysInState(now),
		DaysPastSLA:     c.DaysPastSLA(now),
		ClientAge55Plus: c.ClientAge >= 55,
		DocumentQuality: q,
		Sentiment:       c.LatestSentiment,
	}
}

// sentimentDelta nudges priority by the client's latest inbound tone.
var sentimentDelta = map[domain.Sentiment]float64{
	domain.SentimentFrustrated: 8,
	domain.SentimentConfused:   4,
	domain.SentimentNeutral:    0,
	domain.SentimentPositive:   -2,
}

// Linear is a weighted composite clamped to [0,100].
type Linear struct {
	Intercept float64
	Weights   config.Weights
}

func NewLinear(cfg config.Scheduler) Linear {
	return Linear{Intercept: cfg.Intercept, Weights: cfg.Weights}
}

func (l Linear) Score(f Features) float64 {
	s := l.Intercept +
		l.Weights.DaysInState*float64(f.DaysInState) +
		l.Weights.DaysPastSLA*float64(f.DaysPastSLA) +
		l.Weights.DocumentQuality*f.DocumentQuality
	if f.ClientAge55Plus {
		s += l.Weights.ClientAge55Plus
	}
	s += sentimentDelta[f.Sentiment]
	return clamp(s, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
