// Package policy holds the default mode, prompt, and memory policies. These
// are deliberately small deterministic heuristics; the coordinator only sees
// the interfaces, so deployments can swap in smarter models without touching
// the join machinery.
package policy

import (
	"strings"
	"unicode/utf8"

	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/session"
)

// KeywordModePolicy scores expert and creative signals over the raw text and
// falls back to talk below the confidence threshold.
type KeywordModePolicy struct {
	Threshold float64
}

func NewKeywordModePolicy() *KeywordModePolicy {
	return &KeywordModePolicy{Threshold: 0.3}
}

var expertMarkers = []string{
	"how do", "how does", "why does", "explain", "what is", "difference between",
	"error", "bug", "code", "algorithm", "install", "configure",
}

var creativeMarkers = []string{
	"imagine", "story", "poem", "write me", "invent", "pretend", "what if",
	"dream", "draw",
}

func scoreMarkers(text string, markers []string) float64 {
	var hits int
	for _, m := range markers {
		if strings.Contains(text, m) {
			hits++
		}
	}
	// Two independent markers saturate the score.
	s := float64(hits) / 2
	if s > 1 {
		s = 1
	}
	return s
}

func (p *KeywordModePolicy) Detect(text string, s *session.UserSession) (string, float64) {
	lower := strings.ToLower(text)

	expert := scoreMarkers(lower, expertMarkers)
	if strings.Contains(lower, "?") {
		expert += 0.25
	}
	creative := scoreMarkers(lower, creativeMarkers)

	mode := session.ModeTalk
	confidence := expert
	if creative > expert {
		mode = session.ModeCreative
		confidence = creative
	} else if expert > 0 {
		mode = session.ModeExpert
	}

	if confidence > 1 {
		confidence = 1
	}
	if confidence < p.Threshold {
		return session.ModeTalk, confidence
	}
	return mode, confidence
}

// CadencePromptPolicy includes the system prompt on session start, on a mode
// change, and every Nth message thereafter.
type CadencePromptPolicy struct {
	EveryN int
}

func NewCadencePromptPolicy(everyN int) *CadencePromptPolicy {
	if everyN <= 0 {
		everyN = 10
	}
	return &CadencePromptPolicy{EveryN: everyN}
}

func (p *CadencePromptPolicy) ShouldInclude(s *session.UserSession, modeChanged bool) (bool, string) {
	switch {
	case s.MessageCount <= 1:
		return true, "session_start"
	case modeChanged:
		return true, "mode_changed"
	case s.MessageCount%p.EveryN == 0:
		return true, "cadence"
	}
	return false, ""
}

// HeuristicMemoryPolicy asks for long-term memories on every turn: vector
// search when the turn carries enough text to embed meaningfully, recent
// otherwise. Save-worthiness is an emotional-peak check.
type HeuristicMemoryPolicy struct {
	VectorMinRunes int
	PeakThreshold  float64
}

func NewHeuristicMemoryPolicy() *HeuristicMemoryPolicy {
	return &HeuristicMemoryPolicy{
		VectorMinRunes: 12,
		PeakThreshold:  0.62,
	}
}

func (p *HeuristicMemoryPolicy) ShouldSearch(text string, s *session.UserSession) (bool, string) {
	if utf8.RuneCountInString(strings.TrimSpace(text)) >= p.VectorMinRunes {
		return true, message.SearchVector
	}
	return true, message.SearchRecent
}

func (p *HeuristicMemoryPolicy) ShouldSave(emotions map[string]float64) bool {
	for _, v := range emotions {
		if v >= p.PeakThreshold {
			return true
		}
	}
	return false
}
