// Package passportsim drives a running registry with simulated wallets.
//
// It generates wallets, publishes a passport document for each one on an
// in-process document node, signs the authorization message and submits
// the passports concurrently, then reads the stored scores back.
package passportsim

import (
	"sync"
	"time"
)

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL string        // Base URL of the registry
	APIKey  string        // "<prefix>.<secret>" sent as X-API-Key
	Wallets int           // Number of wallets to generate
	Workers int           // Number of concurrent submitters
	Timeout time.Duration // HTTP request timeout

	// Message is the authorization text the registry recovers signers from.
	Message string
	// CommunityID targets an existing community. Zero creates one.
	CommunityID int64
	// Issuer signs the simulated documents. The registry must trust it.
	Issuer    string
	Providers []string
	// Shared makes every wallet claim one common stamp hash.
	Shared bool
	// BadSignatures is the number of wallets submitted with a foreign signature.
	BadSignatures int
	Verbose       bool
}

// Stats holds run statistics.
type Stats struct {
	mu sync.Mutex

	WalletsGenerated int
	Submitted        int
	// ByCode counts submissions per outcome: "ok" or the registry error code.
	ByCode          map[string]int
	ByStatus        map[int]int
	ScoresRetrieved int
	ScoresMatched   int
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

func newStats() *Stats {
	return &Stats{
		ByCode:    map[string]int{},
		ByStatus:  map[int]int{},
		StartTime: time.Now(),
	}
}

func (s *Stats) recordSubmission(status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Submitted++
	s.ByStatus[status]++
	s.ByCode[code]++
}

func (s *Stats) recordScore(matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScoresRetrieved++
	if matched {
		s.ScoresMatched++
	}
}

// Count returns the number of submissions that ended with code.
func (s *Stats) Count(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ByCode[code]
}
