// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/config"
)

func writeTestConfig(t *testing.T) string {
	dataDir := t.TempDir()
	f := filepath.Join(dataDir, "veil.toml")
	body := fmt.Sprintf(`DataDir = %q

[Logging]
  Disable = true

[Directory]
  URL = "https://directory.example"

[Relay]
  URL = "wss://relay.example/ws"
`, dataDir)
	require.NoError(t, os.WriteFile(f, []byte(body), 0600))
	return f
}

func TestGenKeyAndLoad(t *testing.T) {
	require := require.New(t)

	f := writeTestConfig(t)
	cfg, err := config.LoadFile(f)
	require.NoError(err)

	var out bytes.Buffer
	require.NoError(genKey(&out, cfg, false))
	require.Contains(out.String(), "Address:")
	require.FileExists(cfg.Identity.DecryptionKeyFile)
	require.FileExists(cfg.Identity.SignatureKeyFile)
	require.FileExists(filepath.Join(cfg.DataDir, publicKeyFile))

	require.Error(genKey(&out, cfg, false), "existing keys are kept")

	n, err := newNode(f)
	require.NoError(err)
	defer n.close()
	require.True(strings.Contains(out.String(), n.local.String()))

	_, err = n.newClient()
	require.NoError(err)
}

func TestNodeWithoutIdentity(t *testing.T) {
	_, err := newNode(writeTestConfig(t))
	require.ErrorContains(t, err, "genkey")
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"genkey", "refresh", "contact", "paths", "send", "sync", "run"} {
		require.True(t, names[name], name)
	}
}
