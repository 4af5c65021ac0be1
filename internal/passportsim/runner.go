package passportsim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/shopspring/decimal"
)

// Outcome codes recorded besides the registry's own error codes.
const (
	CodeOK        = "ok"
	CodeTransport = "transport_error"
)

// ErrUnhealthy is returned when the registry health check fails.
var ErrUnhealthy = errors.New("registry is not healthy")

type scoreBody struct {
	Address string `json:"address"`
	Score   string `json:"score"`
}

type communityBody struct {
	ID int64 `json:"id"`
}

type submission struct {
	wallet Wallet
	score  string
}

// Run executes a simulation against cfg.BaseURL. Documents for the generated
// wallets are published on node, which the registry must read from.
func Run(ctx context.Context, cfg *Config, node *DocumentNode) (*Stats, error) {
	if node == nil {
		return nil, errors.New("document node is required")
	}
	stats := newStats()
	log := logger.Get().Named("passportsim")
	client := newRegistryClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)

	log.Info(ctx, "starting passport simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("wallets", cfg.Wallets),
		logger.Int("workers", cfg.Workers),
		logger.Int("badSignatures", cfg.BadSignatures),
		logger.Bool("shared", cfg.Shared),
	)

	if err := checkHealth(ctx, client); err != nil {
		return stats, err
	}

	communityID, err := ensureCommunity(ctx, client, cfg)
	if err != nil {
		return stats, fmt.Errorf("community setup failed: %w", err)
	}

	wallets, err := GenerateWallets(ctx, cfg.Wallets, cfg.BadSignatures, cfg.Message)
	if err != nil {
		return stats, fmt.Errorf("wallet generation failed: %w", err)
	}
	now := time.Now()
	for _, w := range wallets {
		node.Put(w.DID, w.Document(cfg.Issuer, cfg.Providers, cfg.Shared, now))
	}
	stats.WalletsGenerated = len(wallets)

	accepted := submitAll(ctx, cfg, client, communityID, wallets, stats)
	readScores(ctx, client, communityID, accepted, stats)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, stats)
	return stats, nil
}

func checkHealth(ctx context.Context, client *registryClient) error {
	status, _, err := client.do(ctx, http.MethodGet, "/health/", nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, status)
	}
	return nil
}

// ensureCommunity returns cfg.CommunityID or creates a community weighting
// every simulated provider at 1.
func ensureCommunity(ctx context.Context, client *registryClient, cfg *Config) (int64, error) {
	if cfg.CommunityID > 0 {
		return cfg.CommunityID, nil
	}
	weights := make(map[string]decimal.Decimal, len(cfg.Providers))
	for _, p := range cfg.Providers {
		weights[p] = decimal.NewFromInt(1)
	}
	body := map[string]any{
		"name":        fmt.Sprintf("passport-sim-%d", time.Now().Unix()),
		"description": "created by passport-sim",
		"scorer": model.ScorerConfig{
			Type:          model.ScorerWeighted,
			Weights:       weights,
			DefaultWeight: decimal.Zero,
		},
	}
	var out communityBody
	status, code, err := client.do(ctx, http.MethodPost, "/registry/communities", body, &out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusCreated {
		return 0, fmt.Errorf("create community: status %d (%s)", status, code)
	}
	return out.ID, nil
}

// submitAll submits every wallet with cfg.Workers workers and returns the
// accepted submissions.
func submitAll(ctx context.Context, cfg *Config, client *registryClient, communityID int64, wallets []Wallet, stats *Stats) []submission {
	log := logger.Get().Named("passportsim")
	workers := max(cfg.Workers, 1)

	var (
		mu       sync.Mutex
		accepted []submission
		wg       sync.WaitGroup
	)
	jobs := make(chan Wallet, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range jobs {
				var out []scoreBody
				status, code, err := client.do(ctx, http.MethodPost, "/registry/submit-passport", map[string]any{
					"address":   w.Address,
					"signature": w.Signature,
					"community": communityID,
				}, &out)
				if err != nil {
					code = CodeTransport
					if cfg.Verbose {
						log.Warn(ctx, "submission failed", logger.String("address", w.Address), logger.Error(err))
					}
				}
				stats.recordSubmission(status, code)
				if code == CodeOK && len(out) > 0 {
					mu.Lock()
					accepted = append(accepted, submission{wallet: w, score: out[0].Score})
					mu.Unlock()
				}
			}
		}()
	}

send:
	for _, w := range wallets {
		select {
		case <-ctx.Done():
			break send
		case jobs <- w:
		}
	}
	close(jobs)
	wg.Wait()
	return accepted
}

// readScores fetches the stored score of every accepted submission and
// compares it with the one returned at submission.
func readScores(ctx context.Context, client *registryClient, communityID int64, accepted []submission, stats *Stats) {
	for _, s := range accepted {
		var out scoreBody
		path := fmt.Sprintf("/registry/score/%d/%s", communityID, s.wallet.Address)
		_, code, err := client.do(ctx, http.MethodGet, path, nil, &out)
		if err != nil || code != CodeOK {
			continue
		}
		stats.recordScore(out.Score == s.score)
	}
}

func displayFinalStats(ctx context.Context, stats *Stats) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	codes := make([]string, 0, len(stats.ByCode))
	for c := range stats.ByCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	fields := []logger.Field{
		logger.Int("walletsGenerated", stats.WalletsGenerated),
		logger.Int("submitted", stats.Submitted),
		logger.Int("scoresRetrieved", stats.ScoresRetrieved),
		logger.Int("scoresMatched", stats.ScoresMatched),
		logger.Duration("duration", stats.Duration),
	}
	for _, c := range codes {
		fields = append(fields, logger.Int("code."+c, stats.ByCode[c]))
	}
	if stats.Duration > 0 {
		fields = append(fields, logger.Float64("submissionsPerSecond", float64(stats.Submitted)/stats.Duration.Seconds()))
	}
	logger.Get().Info(ctx, "final statistics", fields...)
}
