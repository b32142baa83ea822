package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/opd-ai/peerpost"
	"github.com/opd-ai/peerpost/crypto"
	"github.com/spf13/cobra"
)

func (a *app) keygenCmd() *cobra.Command {
	var (
		force bool
		suite string
		seed  string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the node identity key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Identity.KeyFile
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			}
			if suite == "" {
				suite = a.cfg.Identity.Suite
			}
			kp, err := newKeyPair(suite, seed)
			if err != nil {
				return err
			}
			if err := crypto.SaveKeyPair(path, kp); err != nil {
				return err
			}
			return printIdentity(cmd, kp)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key pair")
	cmd.Flags().StringVar(&suite, "suite", "", "KEM suite (default from config)")
	cmd.Flags().StringVar(&seed, "seed", "", "hex seed for a deterministic key pair")
	return cmd
}

func newKeyPair(suite, seed string) (*crypto.KeyPair, error) {
	if seed == "" {
		return crypto.GenerateKeyPair(suite)
	}
	raw, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	defer crypto.ZeroBytes(raw)
	return crypto.DeriveKeyPair(suite, raw)
}

func (a *app) idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the node's peer id and public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := peerpost.LoadIdentity(a.cfg.Identity.KeyFile, "", false)
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no identity at %s; run keygen first", a.cfg.Identity.KeyFile)
			}
			if err != nil {
				return err
			}
			return printIdentity(cmd, kp)
		},
	}
}

func printIdentity(cmd *cobra.Command, kp *crypto.KeyPair) error {
	pub, err := crypto.EncodePublicKey(kp.Public)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "id:         %s\npublic key: %s\n", kp.ID(), pub)
	return nil
}

func (a *app) peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage known peers",
	}

	add := &cobra.Command{
		Use:   "add <public key | @file>",
		Short: "Trust a peer's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := args[0]
			if path, ok := strings.CutPrefix(text, "@"); ok {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				text = string(data)
			}
			id, err := peerpost.SavePeer(a.cfg.Identity.PeersDir, text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List known peer ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := crypto.NewKeyring(nil)
			if _, err := peerpost.LoadPeers(keys, a.cfg.Identity.PeersDir); err != nil {
				return err
			}
			for _, id := range keys.Peers() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.AddCommand(add, ls)
	return cmd
}
