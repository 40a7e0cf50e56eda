package main

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ArduPilot/UDPProxy/internal/store"
)

func setKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-key KEY_ID PASSPHRASE",
		Short: "Set or rotate a tenant's MAVLink signing key",
		Long: `Derive a 32-byte signing key from PASSPHRASE (SHA-256) and store it
under tenant KEY_ID (the engineer-facing port2). Any existing record's
vehicle port (port1) is preserved; the signing timestamp resets to zero.`,
		Args: cobra.ExactArgs(2),
		RunE: runSetKey,
	}

	cmd.Flags().String("keydb", "keys.tdb", "path to the tenant key store (or UDPPROXY_KEYDB)")

	return cmd
}

func runSetKey(cmd *cobra.Command, args []string) error {
	keydb, _ := cmd.Flags().GetString("keydb")
	if !cmd.Flags().Changed("keydb") {
		if v := os.Getenv("UDPPROXY_KEYDB"); v != "" {
			keydb = v
		}
	}
	if keydb == "" {
		return fmt.Errorf("key store path is required: use --keydb or set UDPPROXY_KEYDB")
	}

	keyID, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("KEY_ID must be a port number: %w", err)
	}
	passphrase := args[1]

	db, err := store.Open(keydb)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer func() { _ = db.Close() }()

	port2 := int32(keyID)
	rec, err := db.Fetch(port2)
	if err != nil {
		rec = store.Record{}
	}

	secret := sha256.Sum256([]byte(passphrase))
	rec.Magic = store.RecordMagic
	rec.Timestamp = 0
	rec.SecretKey = secret

	if err := db.Save(port2, rec); err != nil {
		return fmt.Errorf("save key for tenant %d: %w", port2, err)
	}

	fmt.Printf("signing key set for tenant %d\n", port2)
	return nil
}
