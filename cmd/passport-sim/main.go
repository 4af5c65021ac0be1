package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/okian/passport-registry/internal/config"
	"github.com/okian/passport-registry/internal/passportsim"
	"github.com/okian/passport-registry/pkg/logger"
)

// Default configuration constants.
const (
	defaultWallets    = 100
	defaultWorkers    = 2 // multiplier for runtime.NumCPU()
	defaultTimeout    = 30 * time.Second
	defaultRunTimeout = 10 * time.Minute
	defaultProviders  = "Google,Twitter,Github,Discord,Linkedin"
)

func main() {
	defaults := config.New()
	var (
		baseURL   = flag.String("url", "http://localhost:8000", "Base URL of the registry")
		apiKey    = flag.String("key", "", "API key <prefix>.<secret>")
		nodeAddr  = flag.String("node", ":8002", "Listen address of the document node")
		wallets   = flag.Int("wallets", defaultWallets, "Number of wallets to generate")
		workers   = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent submitters")
		community = flag.Int64("community", 0, "Existing community id; 0 creates one")
		issuer    = flag.String("issuer", defaults.TrustedIAMIssuer, "Issuer DID of the simulated documents")
		message   = flag.String("message", defaults.SigningMessage, "Authorization message signed by each wallet")
		providers = flag.String("providers", defaultProviders, "Comma separated stamp providers")
		shared    = flag.Bool("shared", false, "Every wallet claims one common stamp hash")
		bad       = flag.Int("bad", 0, "Wallets submitted with a foreign signature")
		timeout   = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		verbose   = flag.Bool("verbose", false, "Enable verbose logging")
		help      = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help || *apiKey == "" {
		passportsim.ShowHelp()
		return
	}

	if err := passportsim.SetupLogging(*verbose); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	node := passportsim.NewDocumentNode()
	nodeCtx, stopNode := context.WithCancel(ctx)
	defer stopNode()
	go func() {
		if err := node.Serve(nodeCtx, *nodeAddr); err != nil {
			logger.Get().Error(ctx, "document node stopped", logger.Error(err))
			cancel()
		}
	}()

	cfg := &passportsim.Config{
		BaseURL:       *baseURL,
		APIKey:        *apiKey,
		Wallets:       *wallets,
		Workers:       *workers,
		Timeout:       *timeout,
		Message:       *message,
		CommunityID:   *community,
		Issuer:        *issuer,
		Providers:     splitProviders(*providers),
		Shared:        *shared,
		BadSignatures: *bad,
		Verbose:       *verbose,
	}

	if _, err := passportsim.Run(ctx, cfg, node); err != nil {
		logger.Get().Error(ctx, "simulation failed", logger.Error(err))
		stopNode()
		os.Exit(1)
	}
}

func splitProviders(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
