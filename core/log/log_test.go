// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestBackendFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "veil.log")

	b, err := New(f, "info", false)
	require.NoError(t, err)

	l := b.GetLogger("route")
	l.Info("graph loaded")
	l.Debug("suppressed")

	require.NoError(t, b.SetModuleLevel("route", "DEBUG"))
	require.True(t, b.IsEnabledFor(logging.DEBUG, "route"))
	l.Debug("now visible")

	require.NoError(t, b.Rotate())
	b.GetLogWriter("client/conn", "WARNING").Write([]byte("from writer\n"))
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(f)
	require.NoError(t, err)
	out := string(raw)
	require.Contains(t, out, "route: graph loaded")
	require.Contains(t, out, "route: now visible")
	require.Contains(t, out, "WARN client/conn: from writer")
	require.False(t, strings.Contains(out, "suppressed"))
}

func TestBackendInvalidLevel(t *testing.T) {
	_, err := New("", "LOUD", false)
	require.Error(t, err)

	b, err := New("", "ERROR", true)
	require.NoError(t, err)
	require.Error(t, b.SetModuleLevel("route", "chatty"))
	require.Panics(t, func() {
		b.GetLogWriter("route", "chatty")
	})
}
