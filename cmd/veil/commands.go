// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veilmsg/veil/client"
	"github.com/veilmsg/veil/common"
	"github.com/veilmsg/veil/config"
	"github.com/veilmsg/veil/core/crypto/engine"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/internal/instrument"
	"github.com/veilmsg/veil/internal/profiling"
	"github.com/veilmsg/veil/route"
	"github.com/veilmsg/veil/store"
)

const publicKeyFile = "public.pem"

// withNode runs fn against the node of the configuration, closing it after.
func withNode(cfg *Config, fn func(n *node) error) error {
	n, err := newNode(cfg.ConfigFile)
	if err != nil {
		return err
	}
	defer n.close()
	return fn(n)
}

func newGenKeyCommand(cfg *Config) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate the local identity",
		Long: `Generates the decryption and signature key pairs.  The private keys are
written to the configured key files, encrypted if the passphrase
environment variable is set.  The public key to hand out to contacts is
written next to them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			veilCfg, err := config.LoadFile(cfg.ConfigFile)
			if err != nil {
				return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
			}
			return genKey(cmd.OutOrStdout(), veilCfg, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing key files")
	return cmd
}

func genKey(w io.Writer, cfg *config.Config, force bool) error {
	iCfg := cfg.Identity
	if !force {
		for _, f := range []string{iCfg.DecryptionKeyFile, iCfg.SignatureKeyFile} {
			if _, err := os.Stat(f); err == nil {
				return fmt.Errorf("key file %v already exists", f)
			}
		}
	}

	e, err := engine.New(engine.DefaultKEMScheme, engine.DefaultSignatureScheme, cfg.Onion)
	if err != nil {
		return err
	}
	id, err := e.GenerateIdentity()
	if err != nil {
		return err
	}

	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	passphrase := iCfg.Passphrase()
	if err = engine.WriteKeyFile(iCfg.DecryptionKeyFile, id.DecryptionKey, passphrase); err != nil {
		return err
	}
	if err = engine.WriteKeyFile(iCfg.SignatureKeyFile, id.SignatureKey, passphrase); err != nil {
		return err
	}
	pubFile := filepath.Join(cfg.DataDir, publicKeyFile)
	if err = os.WriteFile(pubFile, []byte(id.PublicKey), 0644); err != nil {
		return err
	}

	fmt.Fprintf(w, "Address:    %v\n", id.Address)
	fmt.Fprintf(w, "Public key: %v (%v)\n", pubFile, common.KeyFingerprint(id.PublicKey))
	if len(passphrase) == 0 {
		fmt.Fprintln(w, "Warning: the private keys are not passphrase protected.")
	}
	return nil
}

func newRefreshCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the network graph from the directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cfg, func(n *node) error {
				changed, err := n.refresh(cmd.Context())
				if err != nil {
					return err
				}
				guard, err := n.paths.Guard()
				if err != nil {
					return err
				}
				version, err := n.store.GraphVersion()
				if err != nil {
					return err
				}
				status := "unchanged"
				if changed {
					status = "updated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Topology version %d %v, guard %v\n", version, status, guard.Address)
				return nil
			})
		},
	}
}

func newContactCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <name> <address> <guard> <public key file>",
			Short: "Add or replace a contact",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				pubKey, err := os.ReadFile(args[3])
				if err != nil {
					return err
				}
				c, err := pki.NewContact(args[0], args[1], string(pubKey), args[2])
				if err != nil {
					return err
				}
				return withNode(cfg, func(n *node) error {
					if err := n.store.PutContact(c); err != nil {
						return err
					}
					paths, err := n.calculatePaths(cmd.Context(), c)
					switch {
					case err == nil:
						fmt.Fprintf(cmd.OutOrStdout(), "Added %v, %d paths.\n", c.Name, len(paths))
					case errors.Is(err, route.ErrNotReady), errors.Is(err, route.ErrUnreachable):
						fmt.Fprintf(cmd.OutOrStdout(), "Added %v, no path yet: %v\n", c.Name, err)
					default:
						return err
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the contacts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withNode(cfg, func(n *node) error {
					contacts, err := n.store.Contacts()
					if err != nil {
						return err
					}
					for _, c := range contacts {
						fmt.Fprintf(cmd.OutOrStdout(), "%-16s %v guard %v key %v\n", c.Name, c.Address, c.Guard, common.KeyFingerprint(c.PublicKey))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <address>",
			Short: "Remove a contact",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				addr, err := pki.ParseAddress(args[0])
				if err != nil {
					return err
				}
				return withNode(cfg, func(n *node) error {
					if err := n.paths.Invalidate(addr); err != nil {
						return err
					}
					return n.store.DeleteContact(addr)
				})
			},
		},
	)
	return cmd
}

func newPathsCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "paths <address>",
		Short: "Compute and show the paths to a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := pki.ParseAddress(args[0])
			if err != nil {
				return err
			}
			return withNode(cfg, func(n *node) error {
				c, err := n.store.Contact(addr)
				if err != nil {
					return err
				}
				paths, err := n.calculatePaths(cmd.Context(), c)
				if err != nil {
					return err
				}
				for i, p := range paths {
					fmt.Fprintf(cmd.OutOrStdout(), "%d: %v\n", i, p)
					for _, hop := range p.Addresses[1:] {
						fmt.Fprintf(cmd.OutOrStdout(), "     via %v\n", hop)
					}
				}
				return nil
			})
		},
	}
}

func newSendCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "send <address> <text>",
		Short: "Send a message to a contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := pki.ParseAddress(args[0])
			if err != nil {
				return err
			}
			return withNode(cfg, func(n *node) error {
				c, err := n.store.Contact(addr)
				if err != nil {
					return err
				}
				if _, err = n.paths.Lookup(addr); errors.Is(err, route.ErrUnreachable) {
					_, err = n.calculatePaths(cmd.Context(), c)
				}
				if err != nil {
					return err
				}

				cl, err := n.newClient()
				if err != nil {
					return err
				}
				defer cl.Halt()
				msg, err := cl.Send(cmd.Context(), addr, []byte(args[1]))
				if err != nil {
					if msg != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "Message %v queued.\n", msg.ID)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Message %v sent to %v.\n", msg.ID, c.Name)
				return nil
			})
		},
	}
}

func contactName(s *store.Store, addr pki.Address) string {
	if c, err := s.Contact(addr); err == nil {
		return c.Name
	}
	return addr.String()
}

func newSyncCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch the messages pending at the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cfg, func(n *node) error {
				cl, err := n.newClient()
				if err != nil {
					return err
				}
				defer cl.Halt()

				msgs, err := cl.Sync(cmd.Context())
				if err != nil {
					return err
				}
				for _, msg := range msgs {
					fmt.Fprintf(cmd.OutOrStdout(), "[%v] %v: %s\n", msg.ReceivedAt.Format("2006-01-02 15:04:05"), contactName(n.store, msg.Origin), msg.Content)
				}

				if sent, err := cl.Dispatcher().Flush(cmd.Context()); sent > 0 || err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Outbox: %d sent.\n", sent)
					return err
				}
				return nil
			})
		},
	}
}

func newRunCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected to the relay",
		Long: `Runs until interrupted: keeps the relay connection up, ingests pushed
messages, periodically synchronizes and flushes the outbox.  SIGHUP
reopens the log file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cfg, func(n *node) error {
				return run(cmd, n)
			})
		},
	}
}

func run(cmd *cobra.Command, n *node) error {
	ctx := cmd.Context()

	if n.cfg.Metrics.Enable {
		if err := instrument.Start(ctx, n.cfg.Metrics.Address, n.logBackend.GetLogger("metrics")); err != nil {
			return err
		}
	}
	if pCfg := n.cfg.Profiling; pCfg.Enable {
		stopFn, err := profiling.Start(n.logBackend.GetLogger("profiling"), pCfg.ServerAddress, pCfg.ApplicationName, pCfg.ServiceTag)
		if err != nil {
			return err
		}
		defer stopFn()
	}

	if _, err := n.refresh(ctx); err != nil {
		n.log.Warningf("Failed to refresh the topology: %v", err)
	}

	cl, err := n.newClient()
	if err != nil {
		return err
	}
	cl.Connection().OnStatus(func(st *client.Status) {
		n.log.Noticef("Connection: %v", st)
	})
	cl.Start()
	defer cl.Halt()

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	defer signal.Stop(rotateCh)

	n.log.Noticef("Running as %v.", n.local)
	for {
		select {
		case <-ctx.Done():
			n.log.Notice("Shutting down.")
			return nil
		case <-rotateCh:
			if err := n.logBackend.Rotate(); err != nil {
				n.log.Errorf("Failed to rotate the log: %v", err)
			}
		}
	}
}
