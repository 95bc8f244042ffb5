// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Package classifier derives routing-relevant features from raw request
// text. Classification is deterministic pattern matching: no model calls,
// no shared mutable state, no side effects.
package classifier

import (
	"fmt"
	"strings"
)

// Tone is the detected register of the request text.
type Tone string

const (
	ToneFormal  Tone = "formal"
	ToneRelaxed Tone = "relaxed"
	ToneSerious Tone = "serious"
	ToneNeutral Tone = "neutral"
)

// Length buckets shard learned state by request size.
const (
	LengthShort  = "short"
	LengthMedium = "medium"
	LengthLong   = "long"
)

const shortUtteranceMaxWords = 3

// RequestFeatures is the classification of one inbound request. It is
// created once per request and read-only thereafter.
type RequestFeatures struct {
	Intent         string  `json:"intent"`
	Language       string  `json:"language"`
	LengthBucket   string  `json:"length_bucket"`
	WordCount      int     `json:"word_count"`
	HasCodeMarkers bool    `json:"has_code_markers"`
	SafetyRisk     bool    `json:"safety_risk"`
	OpsHint        bool    `json:"ops_hint"`
	Tone           Tone    `json:"tone"`
	Urgency        int     `json:"urgency"`   // 0-3
	Ambiguity      int     `json:"ambiguity"` // 0-3
	Sentiment      float64 `json:"sentiment"` // -1..1
	IronySarcasm   bool    `json:"irony_sarcasm"`
	PrecisionHint  bool    `json:"precision_hint"`
	ShortUtterance bool    `json:"short_utterance"`
	Streaming      bool    `json:"streaming"`
}

// ClassKey returns the stable composite key used to shard learned state
// (bandit stats, per-class rate limits) by request category.
func (f RequestFeatures) ClassKey() string {
	return fmt.Sprintf("%s|%s|%s|code=%t|safety=%t|ops=%t|tone=%s",
		f.Intent, f.Language, f.LengthBucket,
		f.HasCodeMarkers, f.SafetyRisk, f.OpsHint, f.Tone)
}

// Classify extracts routing features from raw request text. The intent is
// supplied by the caller (or empty for unknown); stream indicates the
// caller requested a streaming response.
func Classify(text, intent string, stream bool) RequestFeatures {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	if intent == "" {
		intent = "general"
	}

	f := RequestFeatures{
		Intent:         intent,
		Language:       detectLanguage(lower),
		WordCount:      len(words),
		HasCodeMarkers: anyMatch(lower, codeMarkerPatterns),
		SafetyRisk:     anyMatch(lower, safetyRiskPatterns),
		OpsHint:        anyMatch(lower, opsPatterns),
		Tone:           detectTone(lower),
		Urgency:        maxSeverity(lower, urgencyPatterns),
		Ambiguity:      maxSeverity(lower, ambiguityPatterns),
		Sentiment:      sentimentScore(lower),
		IronySarcasm:   anyMatch(lower, ironyPatterns),
		PrecisionHint:  anyMatch(lower, precisionPatterns),
		Streaming:      stream,
	}

	f.LengthBucket = lengthBucket(f.WordCount)
	f.ShortUtterance = f.WordCount > 0 && f.WordCount <= shortUtteranceMaxWords && !f.HasCodeMarkers

	return f
}

func lengthBucket(wordCount int) string {
	switch {
	case wordCount <= 16:
		return LengthShort
	case wordCount <= 160:
		return LengthMedium
	default:
		return LengthLong
	}
}

// detectTone scores the competing tone families by match count. The
// highest count wins; any tie (including zero hits) resolves to neutral.
func detectTone(lower string) Tone {
	scores := map[Tone]int{
		ToneFormal:  countMatches(lower, toneFormalPatterns),
		ToneRelaxed: countMatches(lower, toneRelaxedPatterns),
		ToneSerious: countMatches(lower, toneSeriousPatterns),
	}

	best := ToneNeutral
	bestCount := 0
	tied := false
	for _, tone := range []Tone{ToneFormal, ToneRelaxed, ToneSerious} {
		count := scores[tone]
		if count > bestCount {
			best = tone
			bestCount = count
			tied = false
		} else if count == bestCount && count > 0 {
			tied = true
		}
	}

	if bestCount == 0 || tied {
		return ToneNeutral
	}
	return best
}

// sentimentScore is (positive_hits - negative_hits) / total_hits, or 0
// when nothing matched.
func sentimentScore(lower string) float64 {
	pos := countMatches(lower, sentimentPositivePatterns)
	neg := countMatches(lower, sentimentNegativePatterns)
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}

func detectLanguage(lower string) string {
	best := "en"
	bestCount := 0
	for _, lang := range []string{"es", "de", "fr"} {
		count := countMatches(lower, languageMarkers[lang])
		if count > bestCount {
			best = lang
			bestCount = count
		}
	}
	return best
}
