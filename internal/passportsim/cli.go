package passportsim

import (
	"fmt"
	"os"

	"github.com/okian/passport-registry/pkg/logger"
)

// SetupLogging initializes the logger, at debug level when verbose.
func SetupLogging(verbose bool) error {
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		return logger.SetLevelString("debug")
	}
	return nil
}

// ShowHelp prints usage information for the simulator.
func ShowHelp() {
	os.Stdout.WriteString(`Passport Registry Simulator
===========================

Generates wallets, publishes their passport documents on a local document
node, submits them concurrently and reads the stored scores back.

The registry must read documents from the node and trust the issuer:
  REGISTRY_CERAMIC_URL=http://localhost:8002
  REGISTRY_TRUSTED_IAM_ISSUER=<same as -issuer>
  REGISTRY_VERIFIER_URL=""   (proofs are not real)

Usage:
  go run ./cmd/passport-sim [options]

Options:
  -url string         Base URL of the registry (default "http://localhost:8000")
  -key string         API key "<prefix>.<secret>" (required)
  -node string        Listen address of the document node (default ":8002")
  -wallets int        Number of wallets (default 100)
  -workers int        Concurrent submitters (default CPU cores * 2)
  -community int      Existing community id; 0 creates one
  -issuer string      Issuer DID of the simulated documents
  -message string     Authorization message signed by each wallet
  -providers string   Comma separated stamp providers
  -shared             Every wallet claims one common stamp hash
  -bad int            Wallets submitted with a foreign signature
  -timeout duration   HTTP request timeout (default 30s)
  -verbose            Enable verbose logging
  -help               Show this help message

Examples:
  go run ./cmd/passport-sim -key boot.secret -wallets 500 -shared
  go run ./cmd/passport-sim -key boot.secret -bad 10 -verbose
`)
}
