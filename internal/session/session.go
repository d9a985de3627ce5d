// Package session holds per-user conversational state. A session is owned by
// the coordinator dispatch goroutine; nothing here is safe for concurrent use
// and nothing needs to be.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Conversation modes form a closed set.
const (
	ModeTalk     = "talk"
	ModeExpert   = "expert"
	ModeCreative = "creative"
	ModeBase     = "base"
)

var (
	ErrInvalidMode          = errors.New("session: invalid mode")
	ErrConfidenceOutOfRange = errors.New("session: confidence out of [0,1]")
)

func ValidMode(mode string) bool {
	switch mode {
	case ModeTalk, ModeExpert, ModeCreative, ModeBase:
		return true
	}
	return false
}

type UserSession struct {
	UserID       string
	DisplayName  string
	MessageCount int
	CreatedAt    time.Time
	LastActivity time.Time

	CurrentMode    string
	ModeConfidence float64
	ModeHistory    []string
	LastModeChange time.Time

	LastEmotions         map[string]float64
	LastDominantEmotions []string

	// Cached for the opportunistic long-term-memory save trigger: the
	// evaluation fires only when a bot response arrives while these are set.
	LastUserText      string
	LastBotResponse   string
	LastBotMode       string
	LastBotConfidence float64

	CacheMetrics []float64

	modeHistoryCap  int
	cacheMetricsCap int
}

func New(userID, displayName string, modeHistoryCap, cacheMetricsCap int, now time.Time) *UserSession {
	if modeHistoryCap <= 0 {
		modeHistoryCap = 5
	}
	if cacheMetricsCap <= 0 {
		cacheMetricsCap = 100
	}
	return &UserSession{
		UserID:          userID,
		DisplayName:     displayName,
		CreatedAt:       now,
		LastActivity:    now,
		CurrentMode:     ModeTalk,
		modeHistoryCap:  modeHistoryCap,
		cacheMetricsCap: cacheMetricsCap,
	}
}

// SetMode assigns the current mode and confidence, rejecting values outside
// the closed mode set or the [0,1] confidence range. It reports whether the
// mode actually changed.
func (s *UserSession) SetMode(mode string, confidence float64, now time.Time) (changed bool, err error) {
	if !ValidMode(mode) {
		return false, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if confidence < 0 || confidence > 1 {
		return false, fmt.Errorf("%w: %v", ErrConfidenceOutOfRange, confidence)
	}
	if mode != s.CurrentMode {
		s.CurrentMode = mode
		s.LastModeChange = now
		changed = true
	}
	s.ModeConfidence = confidence
	return changed, nil
}

// PushMode appends to the mode history, evicting the oldest entry past the cap.
func (s *UserSession) PushMode(mode string) {
	s.ModeHistory = append(s.ModeHistory, mode)
	if len(s.ModeHistory) > s.modeHistoryCap {
		s.ModeHistory = s.ModeHistory[len(s.ModeHistory)-s.modeHistoryCap:]
	}
}

// PreviousMode returns the mode before the most recent entry, or "" when the
// history is too short.
func (s *UserSession) PreviousMode() string {
	if len(s.ModeHistory) < 2 {
		return ""
	}
	return s.ModeHistory[len(s.ModeHistory)-2]
}

// AddCacheMetric records a cache-hit metric, evicting the oldest past the cap.
func (s *UserSession) AddCacheMetric(v float64) {
	s.CacheMetrics = append(s.CacheMetrics, v)
	if len(s.CacheMetrics) > s.cacheMetricsCap {
		s.CacheMetrics = s.CacheMetrics[len(s.CacheMetrics)-s.cacheMetricsCap:]
	}
}

// Touch bumps the message counter and activity timestamp.
func (s *UserSession) Touch(now time.Time) {
	s.MessageCount++
	s.LastActivity = now
}
