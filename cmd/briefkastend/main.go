// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// standalone briefkasten client daemon
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/briefkasten/client"
	"github.com/katzenpost/briefkasten/client/config"
	"github.com/katzenpost/briefkasten/common"
	"github.com/katzenpost/briefkasten/internal/instrument"
	"github.com/katzenpost/briefkasten/masterkey"
	"github.com/katzenpost/briefkasten/store"
	"github.com/katzenpost/briefkasten/vault"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "briefkastend",
		Short: "briefkasten client daemon",
		Long: `The briefkasten daemon keeps an end-to-end encrypted mailbox in sync
with its relay. All contacts, groups and message history are held in a local
store that is encrypted at rest; the relay only ever sees opaque channel
identifiers and ciphertext.

Core functionality:
• Unlocks the local store with a passphrase or an authenticator secret
• Continuously retrieves pending messages over long polling or streaming
• Acknowledges accepted copies so the relay can delete them
• Serves prometheus metrics when enabled in the configuration`,
		Example: `
  # Start the daemon with a configuration file
  briefkastend --config /etc/briefkasten/client.toml

  # Start the daemon with a specific config file (short form)
  briefkastend -c /path/to/custom-client.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "c", "",
		"path to the client configuration file (TOML format)")
	cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(newEraseCommand(&cfg))
	cmd.AddCommand(newUpgradeCommand(&cfg))

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}

// runDaemon unlocks the store and runs the client until a signal halts
// it.
func runDaemon(cfg Config) error {
	syscall.Umask(0077)

	clientCfg, logBackend, err := loadConfig(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(clientCfg.Store.Path, logBackend)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer st.Close()

	master := masterkey.New(st, logBackend)
	defer master.Destroy()
	if err = unlock(master); err != nil {
		return err
	}
	st.SetCipher(master)
	vlt := vault.New(master, st, logBackend)

	if clientCfg.Metrics.Enable {
		instrument.Init(clientCfg.Metrics.Address)
	}

	c, err := client.New(clientCfg, master, st, vlt, logBackend)
	if err != nil {
		return fmt.Errorf("failed to create client: %v", err)
	}
	c.Start()
	if err = c.StartSync(); err != nil {
		c.Shutdown()
		return fmt.Errorf("failed to start synchronization: %v", err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-haltCh
		c.Shutdown()
	}()

	// The event sink closes when the client halts.
	daemonLog := logBackend.GetLogger("briefkastend")
	for ev := range c.EventSink {
		switch ev := ev.(type) {
		case *client.MessagesReceivedEvent:
			daemonLog.Noticef("Received %d new messages in %d conversations", ev.Total, len(ev.Counts))
		case *client.SyncStatusEvent:
			daemonLog.Debugf("Sync state: %v", ev.State)
		case *client.ShutdownEvent:
			daemonLog.Notice("Shutting down.")
		default:
			daemonLog.Debugf("Event: %v", ev)
		}
	}
	return nil
}

// newEraseCommand deletes all locally persisted state. No unlock is
// needed to destroy ciphertext.
func newEraseCommand(cfg *Config) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Delete all locally persisted state",
		Long: `Erase deletes the store database file. Everything in it is lost:
contacts, channel keys, groups and message history. Messages still queued at
the relay expire there on their own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to erase without --yes")
			}
			clientCfg, logBackend, err := loadConfig(*cfg)
			if err != nil {
				return err
			}
			st, err := store.Open(clientCfg.Store.Path, logBackend)
			if err != nil {
				return fmt.Errorf("failed to open store: %v", err)
			}
			if err = st.EraseAll(); err != nil {
				return fmt.Errorf("failed to erase store: %v", err)
			}
			fmt.Println("All local state erased.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible deletion")

	return cmd
}

// newUpgradeCommand re-encrypts the store under an authenticator
// derived master key.
func newUpgradeCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the store to an authenticator derived master key",
		Long: `Upgrade unlocks the store with its current credentials, then re-encrypts
everything under a master key derived from an authenticator secret. Afterwards
the store opens with the authenticator secret instead of the passphrase.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			clientCfg, logBackend, err := loadConfig(*cfg)
			if err != nil {
				return err
			}
			st, err := store.Open(clientCfg.Store.Path, logBackend)
			if err != nil {
				return fmt.Errorf("failed to open store: %v", err)
			}
			defer st.Close()

			master := masterkey.New(st, logBackend)
			defer master.Destroy()
			if err = unlock(master); err != nil {
				return err
			}
			st.SetCipher(master)
			vlt := vault.New(master, st, logBackend)

			secret, err := readSecret("Enter new authenticator secret (hex): ")
			if err != nil {
				return err
			}
			if err = master.Upgrade(secret, st, vlt.Rewrap); err != nil {
				return fmt.Errorf("upgrade failed: %v", err)
			}
			fmt.Println("Store upgraded to the authenticator derived key.")
			return nil
		},
	}

	return cmd
}

func loadConfig(cfg Config) (*config.Config, *log.Backend, error) {
	clientCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config file: %v", err)
	}
	logBackend, err := clientCfg.InitLogBackend()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %v", err)
	}
	return clientCfg, logBackend, nil
}

// unlock prompts for credentials and initializes the master key,
// falling back to the authenticator secret when the store was upgraded.
func unlock(master *masterkey.Manager) error {
	fmt.Print("Enter store passphrase: ")
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Print("\n")
	if err != nil {
		return err
	}
	err = master.Initialize(context.Background(), &masterkey.Credentials{
		Passphrase: passphrase,
	})
	if errors.Is(err, masterkey.ErrAuthenticatorRequired) {
		var secret []byte
		secret, err = readSecret("Enter authenticator secret (hex): ")
		if err != nil {
			return err
		}
		err = master.Initialize(context.Background(), &masterkey.Credentials{
			AuthenticatorSecret: secret,
		})
	}
	return err
}

func readSecret(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	line, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Print("\n")
	if err != nil {
		return nil, err
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(line)))
	if err != nil {
		return nil, fmt.Errorf("invalid authenticator secret: %v", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("empty authenticator secret")
	}
	return secret, nil
}
