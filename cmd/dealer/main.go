package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/quorumkey/recovery-backend/cmd/flags"
	"github.com/quorumkey/recovery-backend/kms"
	"github.com/quorumkey/recovery-backend/mpckeys"
)

var dealerFlags = append([]cli.Flag{
	&cli.IntFlag{
		Name:  "nodes",
		Value: 4,
		Usage: "number of quorum participants",
	},
	&cli.IntFlag{
		Name:  "threshold",
		Value: 3,
		Usage: "signing threshold",
	},
	&cli.StringFlag{
		Name:  "out-dir",
		Value: "ceremony",
		Usage: "directory to write ceremony output into",
	},
	&cli.BoolFlag{
		Name:  "seal",
		Value: true,
		Usage: "seal each share behind an admin unlock quorum (disable for development only)",
	},
	&cli.IntFlag{
		Name:  "admin-count",
		Value: 3,
		Usage: "unlock-key shares produced per node",
	},
	&cli.IntFlag{
		Name:  "admin-threshold",
		Value: 2,
		Usage: "unlock-key shares required to unseal a node",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "dealer",
		Usage:  "Run the trusted-dealer key ceremony and write per-node share files",
		Flags:  dealerFlags,
		Action: runCeremony,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCeremony(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	nodes := cCtx.Int("nodes")
	threshold := cCtx.Int("threshold")
	outDir := cCtx.String("out-dir")
	seal := cCtx.Bool("seal")
	adminCount := cCtx.Int("admin-count")
	adminThreshold := cCtx.Int("admin-threshold")

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	logger.Info("Dealing group key", "nodes", nodes, "threshold", threshold)
	group, shares, err := mpckeys.Deal(rand.Reader, nodes, threshold)
	if err != nil {
		return err
	}

	groupPath := filepath.Join(outDir, "group.json")
	groupJSON, err := json.MarshalIndent(group, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(groupPath, groupJSON, 0o644); err != nil {
		return fmt.Errorf("failed to write group params: %w", err)
	}
	logger.Info("Wrote group parameters", "file", groupPath)

	for _, share := range shares {
		if !seal {
			path := filepath.Join(outDir, fmt.Sprintf("node-%d.share", share.ID))
			if err := kms.WritePlaintextShare(path, share); err != nil {
				return err
			}
			logger.Warn("Wrote plaintext share, do not use in production", "node", share.ID, "file", path)
			continue
		}

		unlockKey := make([]byte, 32)
		if _, err := rand.Read(unlockKey); err != nil {
			return err
		}
		sealed, err := kms.SealShare(share, unlockKey)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, fmt.Sprintf("node-%d.share.sealed", share.ID))
		if err := os.WriteFile(path, sealed, 0o600); err != nil {
			return fmt.Errorf("failed to write sealed share: %w", err)
		}

		adminShares, err := kms.SplitUnlockKey(unlockKey, adminCount, adminThreshold)
		if err != nil {
			return err
		}
		for i, adminShare := range adminShares {
			adminPath := filepath.Join(outDir, fmt.Sprintf("node-%d.admin-%d.unlock", share.ID, i+1))
			if err := os.WriteFile(adminPath, []byte(hex.EncodeToString(adminShare)+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to write unlock share: %w", err)
			}
		}
		logger.Info("Wrote sealed share", "node", share.ID, "file", path,
			"adminShares", adminCount, "adminThreshold", adminThreshold)
	}

	logger.Info("Ceremony complete",
		"groupKey", hex.EncodeToString(group.GroupKey()),
		"outDir", outDir)
	return nil
}
