package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/quorumkey/recovery-backend/api"
	"github.com/quorumkey/recovery-backend/chainclient"
	"github.com/quorumkey/recovery-backend/cmd/flags"
	"github.com/quorumkey/recovery-backend/common"
	"github.com/quorumkey/recovery-backend/coordinator"
	"github.com/quorumkey/recovery-backend/identity"
	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/kms"
	"github.com/quorumkey/recovery-backend/metrics"
	"github.com/quorumkey/recovery-backend/mpckeys"
	"github.com/quorumkey/recovery-backend/ownership"
	"github.com/quorumkey/recovery-backend/registry"
	"github.com/quorumkey/recovery-backend/storage"
)

var nodeFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.NodeIDFlag,
	flags.PeerFlag,
	flags.GroupParamsFlag,
	flags.ShareFileFlag,
	flags.SealedShareFileFlag,
	flags.UnlockThresholdFlag,
	flags.AdminKeysFileFlag,
	flags.TransportSeedFlag,
	flags.ProviderFlag,
	flags.IssuerFlag,
	flags.AudienceFlag,
	flags.JwksURLFlag,
	flags.TestTokenFlag,
	flags.ChainRPCFlag,
	flags.SubmitToChainFlag,
	flags.StorageURIFlag,
	flags.FreshnessSecondsFlag,
	flags.SessionTimeoutSecondsFlag,
	flags.MaxAttemptsFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "recovery-node",
		Usage:  "Serve one participant of a threshold account recovery quorum",
		Flags:  nodeFlags,
		Action: runNode,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runNode(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))

	nodeID := interfaces.NodeID(cCtx.Uint(flags.NodeIDFlag.Name))
	if err := nodeID.Validate(); err != nil {
		return err
	}
	logger = logger.With("node", nodeID)

	group, err := mpckeys.LoadGroupParams(cCtx.String(flags.GroupParamsFlag.Name))
	if err != nil {
		logger.Error("Failed to load group parameters", "err", err)
		return err
	}

	signer, unlock, err := setupKMS(cCtx, group, logger)
	if err != nil {
		return err
	}

	transportPriv, err := parseTransportSeed(cCtx.String(flags.TransportSeedFlag.Name))
	if err != nil {
		logger.Error("Invalid transport seed", "err", err)
		return err
	}
	directory, err := parsePeers(cCtx.StringSlice(flags.PeerFlag.Name))
	if err != nil {
		logger.Error("Invalid peer configuration", "err", err)
		return err
	}
	peerIDs := make([]interfaces.NodeID, 0, len(directory.Peers))
	for id := range directory.Peers {
		if id != nodeID {
			peerIDs = append(peerIDs, id)
		}
	}

	identityVerifier, err := setupIdentity(cCtx, logger)
	if err != nil {
		logger.Error("Failed to configure identity verifier", "err", err)
		return err
	}

	chain := chainclient.New(cCtx.String(flags.ChainRPCFlag.Name), logger)
	freshness := time.Duration(cCtx.Int64(flags.FreshnessSecondsFlag.Name)) * time.Second

	store, err := storage.NewFactory(logger).BackendFor(cCtx.String(flags.StorageURIFlag.Name))
	if err != nil {
		logger.Error("Failed to open registry store", "err", err)
		return err
	}
	methodRegistry := registry.New(store, logger)
	signer.SetStoredKeyLookup(func(ctx context.Context, account interfaces.AccountID, id interfaces.Identity) (interfaces.PublicKey, bool, error) {
		method, err := methodRegistry.Lookup(ctx, account, id)
		if errors.Is(err, interfaces.ErrMethodNotFound) {
			return interfaces.PublicKey{}, false, nil
		}
		if err != nil {
			return interfaces.PublicKey{}, false, err
		}
		stored, err := interfaces.NewPublicKeyFromString(method.PublicKey)
		return stored, err == nil, err
	})

	verifier := &coordinator.RequestVerifier{
		Identity:  identityVerifier,
		Ownership: ownership.NewVerifier(chain, freshness, logger),
		Registry:  methodRegistry,
		Signer:    signer,
		Log:       logger,
	}

	participant := coordinator.NewParticipant(verifier, coordinator.DefaultSessionTTL, logger)
	peerHandler := api.NewPeerHandler(participant, directory, nodeID, transportPriv, logger)
	transport := api.NewHTTPPeerTransport(directory, nodeID, transportPriv, logger)

	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics server", "err", err)
		return err
	}

	coord, err := coordinator.New(coordinator.Config{
		Verifier:       verifier,
		Transport:      transport,
		Group:          group,
		Peers:          peerIDs,
		SessionTimeout: time.Duration(cCtx.Int64(flags.SessionTimeoutSecondsFlag.Name)) * time.Second,
		MaxAttempts:    uint32(cCtx.Int(flags.MaxAttemptsFlag.Name)),
		Recorder:       metrics.NewSessionRecorder(metricsSrv.Registry()),
		Log:            logger,
	})
	if err != nil {
		logger.Error("Failed to create coordinator", "err", err)
		return err
	}

	var submitter interfaces.ChainSubmitter
	if cCtx.Bool(flags.SubmitToChainFlag.Name) {
		submitter = chain
	}
	handler := api.NewHandler(coord, submitter, logger)

	var admin *api.AdminHandler
	if unlock != nil {
		admin = api.NewAdminHandler(unlock, signer, logger)
	}

	server, err := api.New(cfg, metricsSrv, handler, peerHandler, admin)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()
	if unlock != nil {
		logger.Info("Node started locked, waiting for admin unlock shares")
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Node is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// setupKMS loads either a plaintext share for development or a sealed share
// gated behind the admin unlock quorum.
func setupKMS(cCtx *cli.Context, group *mpckeys.GroupParams, logger *slog.Logger) (*kms.NodeKMS, *kms.ShamirUnlock, error) {
	shareFile := cCtx.String(flags.ShareFileFlag.Name)
	sealedFile := cCtx.String(flags.SealedShareFileFlag.Name)

	switch {
	case shareFile != "" && sealedFile != "":
		return nil, nil, errors.New("share-file and sealed-share-file are mutually exclusive")

	case shareFile != "":
		logger.Warn("Loading plaintext share file, do not use in production", "file", shareFile)
		share, err := kms.LoadPlaintextShare(shareFile)
		if err != nil {
			return nil, nil, err
		}
		signer, err := kms.NewNodeKMS(group, share)
		if err != nil {
			return nil, nil, err
		}
		return signer, nil, nil

	case sealedFile != "":
		sealed, err := os.ReadFile(sealedFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read sealed share: %w", err)
		}
		adminKeysFile := cCtx.String(flags.AdminKeysFileFlag.Name)
		if adminKeysFile == "" {
			return nil, nil, errors.New("admin-keys-file is required with sealed-share-file")
		}
		adminKeys, err := loadAdminKeys(adminKeysFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Admin keys loaded", "count", len(adminKeys))
		signer, unlock, err := kms.NewLockedNodeKMS(group, sealed, kms.UnlockConfig{
			Threshold: cCtx.Int(flags.UnlockThresholdFlag.Name),
			AdminKeys: adminKeys,
		})
		if err != nil {
			return nil, nil, err
		}
		return signer, unlock, nil

	default:
		return nil, nil, errors.New("one of share-file or sealed-share-file is required")
	}
}

func setupIdentity(cCtx *cli.Context, logger *slog.Logger) (interfaces.IdentityVerifier, error) {
	if spec := cCtx.String(flags.TestTokenFlag.Name); spec != "" {
		token, uid, found := strings.Cut(spec, "=")
		if !found {
			return nil, errors.New("test-token must be <token>=<provider>:<subject>")
		}
		provider, subject, found := strings.Cut(uid, ":")
		if !found {
			return nil, errors.New("test-token must be <token>=<provider>:<subject>")
		}
		logger.Warn("Using static token verifier, do not use in production")
		return identity.NewStaticVerifier().AddToken(token, interfaces.Identity{Provider: provider, Subject: subject}), nil
	}

	return identity.New(identity.Config{
		Provider: cCtx.String(flags.ProviderFlag.Name),
		Issuer:   cCtx.String(flags.IssuerFlag.Name),
		Audience: cCtx.String(flags.AudienceFlag.Name),
		JWKSURL:  cCtx.String(flags.JwksURLFlag.Name),
	}, logger)
}

// parsePeers builds the peer directory from <id>=<url>=<key> entries.
func parsePeers(entries []string) (*api.PeerDirectory, error) {
	directory := &api.PeerDirectory{Peers: make(map[interfaces.NodeID]api.PeerInfo)}
	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("peer %q must be <id>=<url>=<key>", entry)
		}
		id, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("peer %q: invalid node id: %w", entry, err)
		}
		key, err := interfaces.NewPublicKeyFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", entry, err)
		}
		if key.Curve != interfaces.KeyCurveEd25519 {
			return nil, fmt.Errorf("peer %q: transport key must be ed25519", entry)
		}
		directory.Peers[interfaces.NodeID(id)] = api.PeerInfo{
			URL:       strings.TrimRight(parts[1], "/"),
			PublicKey: ed25519.PublicKey(key.Data),
		}
	}
	return directory, nil
}

func parseTransportSeed(seedHex string) (ed25519.PrivateKey, error) {
	if seedHex == "" {
		return nil, errors.New("transport-seed is required")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("transport-seed must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// loadAdminKeys reads a JSON array of ed25519:<base58> key strings.
func loadAdminKeys(path string) ([]ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin keys: %w", err)
	}
	var encoded []string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("failed to parse admin keys: %w", err)
	}
	keys := make([]ed25519.PublicKey, 0, len(encoded))
	for _, s := range encoded {
		key, err := interfaces.NewPublicKeyFromString(s)
		if err != nil {
			return nil, fmt.Errorf("admin key %q: %w", s, err)
		}
		if key.Curve != interfaces.KeyCurveEd25519 {
			return nil, fmt.Errorf("admin key %q must be ed25519", s)
		}
		keys = append(keys, ed25519.PublicKey(key.Data))
	}
	return keys, nil
}
