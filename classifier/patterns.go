// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

package classifier

import "regexp"

// Pattern families are compiled once at package init. Classification is a
// pure function over these read-only tables, so it is safe to call
// concurrently without locking.

var codeMarkerPatterns = []*regexp.Regexp{
	regexp.MustCompile("```"),
	regexp.MustCompile(`\b(func|def|class|import|return|var|const)\b`),
	regexp.MustCompile(`\b(select\s+.+\s+from|insert\s+into|update\s+\w+\s+set)\b`),
	regexp.MustCompile(`\bconsole\.log\b`),
	regexp.MustCompile(`[a-z_]+\([a-z0-9_, ]*\)\s*[;{]`),
	regexp.MustCompile(`</?[a-z]+>`),
}

// safetyRiskPatterns cover both harmful-content hints and
// prompt-injection phrase families.
var safetyRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ignore (all )?(the )?(previous|prior|above) (instructions|prompts?)`),
	regexp.MustCompile(`disregard (your|the|all) (instructions|rules|guidelines)`),
	regexp.MustCompile(`(reveal|show|print) (your|the) system prompt`),
	regexp.MustCompile(`\bjailbreak\b`),
	regexp.MustCompile(`pretend (you are|to be) (an?|the)? ?unrestricted`),
	regexp.MustCompile(`\b(build|make|create) (a )?(bomb|weapon|explosive)\b`),
	regexp.MustCompile(`\b(malware|ransomware|keylogger)\b`),
	regexp.MustCompile(`\bhack (into|the|a)\b`),
}

var opsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(deploy|rollback|restart|reboot|scale (up|down))\b`),
	regexp.MustCompile(`\b(kubectl|terraform|systemctl|docker)\b`),
	regexp.MustCompile(`\b(incident|outage|on-call|pagerduty)\b`),
	regexp.MustCompile(`\b(server|cluster|node) (is )?(down|unreachable)\b`),
}

// Tone families compete by match count; ties resolve to neutral.
var toneFormalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(dear|sincerely|regards|kindly|respectfully)\b`),
	regexp.MustCompile(`\bplease (find|advise|confirm)\b`),
	regexp.MustCompile(`\b(pursuant|hereby|aforementioned)\b`),
	regexp.MustCompile(`\bto whom it may concern\b`),
}

var toneRelaxedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(lol|lmao|haha+|jaja+)\b`),
	regexp.MustCompile(`\b(btw|imo|tbh|fyi)\b`),
	regexp.MustCompile(`\b(gonna|wanna|gotta|kinda)\b`),
	regexp.MustCompile(`[:;]-?[)pd]`),
}

var toneSeriousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(lawsuit|legal action|attorney|complaint)\b`),
	regexp.MustCompile(`\b(critical|severe|unacceptable)\b`),
	regexp.MustCompile(`\b(escalat(e|ing|ion)|formal grievance)\b`),
	regexp.MustCompile(`\b(deadline|breach of contract)\b`),
}

// severityPattern pairs a pattern family with the level it signals.
// Classification takes the maximum matched level.
type severityPattern struct {
	re    *regexp.Regexp
	level int
}

var urgencyPatterns = []severityPattern{
	{regexp.MustCompile(`\b(right now|immediately|asap|emergency)\b`), 3},
	{regexp.MustCompile(`\bthis (instant|second|minute)\b`), 3},
	{regexp.MustCompile(`\b(urgent|as soon as possible|time.sensitive)\b`), 2},
	{regexp.MustCompile(`\b(quickly|fast|hurry)\b`), 2},
	{regexp.MustCompile(`\b(soon|today|by tomorrow)\b`), 1},
	{regexp.MustCompile(`\bwhen you (can|get a chance)\b`), 1},
}

var ambiguityPatterns = []severityPattern{
	{regexp.MustCompile(`\b(something|somehow|whatever|anything) (like|about)?\b`), 3},
	{regexp.MustCompile(`\b(no idea|can'?t (explain|describe))\b`), 3},
	{regexp.MustCompile(`\b(maybe|not sure|kind of|sort of|i think)\b`), 2},
	{regexp.MustCompile(`\b(roughly|approximately|around|more or less)\b`), 1},
}

var sentimentPositivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(thanks?|thank you|gracias|merci|danke)\b`),
	regexp.MustCompile(`\b(great|awesome|excellent|perfect|wonderful)\b`),
	regexp.MustCompile(`\b(love|enjoy|appreciate)\b`),
	regexp.MustCompile(`\b(good|nice|helpful)\b`),
}

var sentimentNegativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(bad|terrible|awful|horrible|worst)\b`),
	regexp.MustCompile(`\b(hate|angry|furious|disappointed|frustrated)\b`),
	regexp.MustCompile(`\b(broken|useless|garbage|waste)\b`),
	regexp.MustCompile(`\b(wrong|failed|failure)\b`),
}

var ironyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(yeah,? right|as if|sure,? whatever)\b`),
	regexp.MustCompile(`\b(oh,? (great|wonderful|fantastic|perfect))\b`),
	regexp.MustCompile(`\b(just (great|perfect|what i needed))\b`),
	regexp.MustCompile(`/s\b`),
}

var precisionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(exact(ly)?|precise(ly)?|specifically)\b`),
	regexp.MustCompile(`\bstep.by.step\b`),
	regexp.MustCompile(`\bin detail\b`),
}

// languageMarkers are small keyword families per language; the family
// with the most hits wins, defaulting to English.
var languageMarkers = map[string][]*regexp.Regexp{
	"es": {
		regexp.MustCompile(`\b(hola|gracias|por favor|buenos|buenas)\b`),
		regexp.MustCompile(`\b(qué|cómo|dónde|cuándo|está|estoy)\b`),
		regexp.MustCompile(`\b(necesito|quiero|ayuda|puede)\b`),
	},
	"de": {
		regexp.MustCompile(`\b(hallo|danke|bitte|guten)\b`),
		regexp.MustCompile(`\b(ich|nicht|und|wie|ist das)\b`),
		regexp.MustCompile(`\b(brauche|möchte|hilfe)\b`),
	},
	"fr": {
		regexp.MustCompile(`\b(bonjour|merci|s'il vous|salut)\b`),
		regexp.MustCompile(`\b(je suis|c'est|pourquoi|comment)\b`),
		regexp.MustCompile(`\b(besoin|voudrais|aidez)\b`),
	},
}

func countMatches(text string, patterns []*regexp.Regexp) int {
	count := 0
	for _, re := range patterns {
		count += len(re.FindAllString(text, -1))
	}
	return count
}

func anyMatch(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func maxSeverity(text string, patterns []severityPattern) int {
	max := 0
	for _, sp := range patterns {
		if sp.level > max && sp.re.MatchString(text) {
			max = sp.level
		}
	}
	return max
}
