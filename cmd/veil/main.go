// main.go - veil command line client.
// Copyright (C) 2026  The Veil Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"github.com/spf13/cobra"

	"github.com/veilmsg/veil/common"
)

// Config holds the command line configuration.
type Config struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "veil",
		Short: "Veil onion routed messaging client",
		Long: `Veil sends and receives messages over a network of relays.  Every
message is wrapped in one encryption layer per relay of a path computed
from the directory's network graph, so that no single relay learns both
ends of a conversation.

A typical session generates an identity, refreshes the topology, adds
contacts and then either runs the daemon or sends and syncs on demand.`,
		Example: `  # Generate an identity
  veil genkey -f /etc/veil/veil.toml

  # Fetch the network graph and select a guard
  veil refresh -f /etc/veil/veil.toml

  # Add a contact and show the paths to it
  veil contact add bob 9f2c... 41d0... bob.pem
  veil paths 9f2c...

  # Send a message, then fetch pending ones
  veil send 9f2c... "hello"
  veil sync

  # Stay connected, receiving live and flushing the outbox
  veil run -f /etc/veil/veil.toml`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", "veil.toml",
		"path to the configuration file (TOML format)")

	cmd.AddCommand(
		newGenKeyCommand(&cfg),
		newRefreshCommand(&cfg),
		newContactCommand(&cfg),
		newPathsCommand(&cfg),
		newSendCommand(&cfg),
		newSyncCommand(&cfg),
		newRunCommand(&cfg),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
