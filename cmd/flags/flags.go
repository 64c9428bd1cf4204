// Package flags holds the CLI flags and setup helpers shared by the recovery
// node and the dealer ceremony tool.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/quorumkey/recovery-backend/api"
	"github.com/quorumkey/recovery-backend/common"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var NodeIDFlag = &cli.UintFlag{
	Name:     "node-id",
	Required: true,
	Usage:    "this node's participant index (1-based)",
}

var PeerFlag = &cli.StringSliceFlag{
	Name:  "peer",
	Usage: "peer node as <id>=<url>=<ed25519:base58 transport key>, repeatable",
}

var GroupParamsFlag = &cli.StringFlag{
	Name:  "group-params",
	Value: "group.json",
	Usage: "path to the dealer-produced group parameter file",
}

var ShareFileFlag = &cli.StringFlag{
	Name:  "share-file",
	Usage: "path to a plaintext share file (development only)",
}

var SealedShareFileFlag = &cli.StringFlag{
	Name:  "sealed-share-file",
	Usage: "path to a sealed share file requiring admin unlock",
}

var UnlockThresholdFlag = &cli.IntFlag{
	Name:  "unlock-threshold",
	Value: 2,
	Usage: "number of admin shares required to unseal the share file",
}

var AdminKeysFileFlag = &cli.StringFlag{
	Name:  "admin-keys-file",
	Usage: "JSON file with admin public keys (required with sealed-share-file)",
}

var TransportSeedFlag = &cli.StringFlag{
	Name:    "transport-seed",
	Usage:   "hex-encoded 32-byte ed25519 seed for peer envelope signing",
	EnvVars: []string{"RECOVERY_TRANSPORT_SEED"},
}

var ProviderFlag = &cli.StringFlag{
	Name:  "oidc-provider",
	Value: "google",
	Usage: "short provider name recorded in identities",
}

var IssuerFlag = &cli.StringFlag{
	Name:  "oidc-issuer",
	Value: "https://accounts.google.com",
	Usage: "expected iss claim of access tokens",
}

var AudienceFlag = &cli.StringFlag{
	Name:  "oidc-audience",
	Usage: "expected aud claim (this deployment's OAuth client ID)",
}

var JwksURLFlag = &cli.StringFlag{
	Name:  "oidc-jwks-url",
	Value: "https://www.googleapis.com/oauth2/v3/certs",
	Usage: "provider JWKS endpoint",
}

var TestTokenFlag = &cli.StringFlag{
	Name:  "test-token",
	Usage: "accept this fixed token as <provider>:<subject> instead of OIDC (development only)",
}

var ChainRPCFlag = &cli.StringFlag{
	Name:  "chain-rpc",
	Value: "http://127.0.0.1:3030",
	Usage: "chain JSON-RPC endpoint",
}

var SubmitToChainFlag = &cli.BoolFlag{
	Name:  "submit-to-chain",
	Value: false,
	Usage: "broadcast finalized key additions instead of returning the signature only",
}

var StorageURIFlag = &cli.StringFlag{
	Name:  "storage",
	Value: "memory://",
	Usage: "registry store URI: memory://, file://<path>, s3://..., vault://...",
}

var FreshnessSecondsFlag = &cli.Int64Flag{
	Name:  "binding-freshness-seconds",
	Value: 300,
	Usage: "maximum age of an ownership proof timestamp",
}

var SessionTimeoutSecondsFlag = &cli.Int64Flag{
	Name:  "session-timeout-seconds",
	Value: 30,
	Usage: "per-attempt deadline for collecting a signing quorum",
}

var MaxAttemptsFlag = &cli.IntFlag{
	Name:  "max-attempts",
	Value: 3,
	Usage: "signing attempts before a session aborts",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
