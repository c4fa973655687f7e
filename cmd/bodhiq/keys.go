package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mit-bodhiq/bodhiq/internal/auth"
)

// minAPIKeyLen rejects keys too short to resist guessing.
const minAPIKeyLen = 16

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the Argon2id hash of an API key for BODHIQ_API_KEY_HASH (cost from BODHIQ_ARGON2_*)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if len(key) < minAPIKeyLen {
				return errors.New("api key must be at least 16 characters")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hasher, err := auth.NewKeyHasher(auth.Argon2Params{
				Time:      uint32(cfg.Argon2Time),
				MemoryKiB: uint32(cfg.Argon2MemoryKiB),
				Threads:   uint8(cfg.Argon2Threads),
			})
			if err != nil {
				return err
			}
			hash, err := hasher.Hash(key)
			if err != nil {
				return err
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"hash": hash})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

// newGenKeyCmd writes a persistent Ed25519 key pair for JWT signing.
// Without one the server signs with an ephemeral key and every restart
// invalidates issued tokens.
func newGenKeyCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an Ed25519 key pair for BODHIQ_JWT_PRIVATE_KEY / BODHIQ_JWT_PUBLIC_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath := filepath.Join(dir, "jwt_private.pem")
			pubPath := filepath.Join(dir, "jwt_public.pem")

			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
			// Rotating keys invalidates live tokens, so never overwrite.
			for _, path := range []string{privPath, pubPath} {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists: delete it first to rotate keys", path)
				}
			}

			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			privDER, err := x509.MarshalPKCS8PrivateKey(priv)
			if err != nil {
				return fmt.Errorf("marshal private key: %w", err)
			}
			pubDER, err := x509.MarshalPKIXPublicKey(pub)
			if err != nil {
				return fmt.Errorf("marshal public key: %w", err)
			}
			if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
				return err
			}
			if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputFormat(cmd) == "json" {
				return printJSON(out, map[string]string{"private_key": privPath, "public_key": pubPath})
			}
			fmt.Fprintf(out, "wrote %s\nwrote %s\n", privPath, pubPath)
			fmt.Fprintf(out, "export BODHIQ_JWT_PRIVATE_KEY=%s BODHIQ_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "Directory for the PEM files")
	return cmd
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
