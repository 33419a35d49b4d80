// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"encoding/hex"
	"encoding/pem"
	"strings"

	"github.com/katzenpost/hpqc/hash"
)

// TruncatePEMForLogging truncates a PEM string to its first two lines
// followed by "...".
func TruncatePEMForLogging(pemStr string) string {
	lines := strings.Split(strings.TrimSpace(pemStr), "\n")
	if len(lines) <= 2 {
		return pemStr
	}
	return strings.Join(lines[:2], "\n") + "\n..."
}

// KeyFingerprint returns a short colon separated fingerprint of the key
// material of a PEM block, or "invalid" if pemStr is not PEM.
func KeyFingerprint(pemStr string) string {
	blk, _ := pem.Decode([]byte(pemStr))
	if blk == nil {
		return "invalid"
	}
	sum := hash.Sum256(blk.Bytes)
	groups := make([]string, 0, 4)
	for i := 0; i < 8; i += 2 {
		groups = append(groups, hex.EncodeToString(sum[i:i+2]))
	}
	return strings.Join(groups, ":")
}
