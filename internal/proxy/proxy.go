// proxy.go - Upstream proxy support.
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

// Package proxy implements the support for an upstream (outgoing) proxy.
package proxy

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	typeNone      = "none"
	typeTorSocks5 = "tor+socks5"
	typeSocks5    = "socks5"

	netUnix = "unix"
	netTCP  = "tcp"

	maxSocks5AuthLen = 255
)

var torSocks5ProcessIsolation string

// Config is the proxy configuration.
type Config struct {
	// Type is the proxy type (Eg: "none"," socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string

	auth *proxy.Auth
}

// DialContextFn is a function that matches the Dialer.DialContext prototype.
type DialContextFn func(context.Context, string, string) (net.Conn, error)

// FixupAndValidate applies defaults to config entires and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	cfg.Type = strings.ToLower(cfg.Type)
	switch cfg.Type {
	case "":
		cfg.Type = typeNone
	case typeNone:
	case typeSocks5, typeTorSocks5:
		uLen, pLen := len(cfg.User), len(cfg.Password)
		if uLen > maxSocks5AuthLen {
			return fmt.Errorf("proxy/config: User too long")
		}
		if pLen > maxSocks5AuthLen {
			return fmt.Errorf("proxy/config: Password too long")
		}
		if uLen != 0 && pLen == 0 || uLen == 0 && pLen != 0 {
			return fmt.Errorf("proxy/config: Both User and Password must be specified")
		}
		if uLen != 0 && pLen != 0 {
			if cfg.Type == typeTorSocks5 {
				return fmt.Errorf("proxy/config: Tor SOCKS5 conflicts with setting User/Password")
			}
			cfg.auth = &proxy.Auth{
				User:     cfg.User,
				Password: cfg.Password,
			}
		}

		cfg.Network = strings.ToLower(cfg.Network)
		switch cfg.Network {
		case "":
			cfg.Network = netTCP
			fallthrough
		case netTCP:
			if err := ensureAddrIPPort(cfg.Address); err != nil {
				return fmt.Errorf("proxy/config: Address '%v' is invalid: %v", cfg.Address, err)
			}
		case netUnix:
			fi, err := os.Lstat(cfg.Address)
			if err != nil {
				return fmt.Errorf("proxy/config: Address '%v' failed to stat(): %v", cfg.Address, err)
			}
			if fi.Mode()&os.ModeSocket == 0 {
				return fmt.Errorf("proxy/config: Address '%v' does not appear to be a socket", cfg.Address)
			}
		default:
			return fmt.Errorf("proxy/config: Network '%v' is invalid", cfg.Network)
		}
	default:
		return fmt.Errorf("proxy/config: Type '%v' is invalid", cfg.Type)
	}
	return nil
}

// ToDialContext returns a function matching Dialer.DialContext() that will
// utilize the configured proxy or nil iff no proxy is configured.  Dials
// sharing a tag share a Tor circuit.
func (cfg *Config) ToDialContext(tag string) DialContextFn {
	switch cfg.Type {
	case typeNone, "":
		return nil
	case typeSocks5, typeTorSocks5:
		return cfg.newContextSOCKS5(tag)
	default:
		panic("proxy: ToDialContext(): invalid type: " + cfg.Type)
	}
}

// ToHTTPClient returns an http.Client whose connections go through the
// proxy, or http.DefaultClient iff no proxy is configured.
func (cfg *Config) ToHTTPClient(tag string, timeout time.Duration) *http.Client {
	dialFn := cfg.ToDialContext(tag)
	if dialFn == nil {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialFn,
			ForceAttemptHTTP2: true,
		},
	}
}

func (cfg *Config) newContextSOCKS5(tag string) DialContextFn {
	auth := cfg.auth
	if cfg.Type == typeTorSocks5 {
		// Craft an SOCKSPort isolation entry from `tag`, and jam it into
		// the User/Password.
		sum := sha512.Sum512_256([]byte(tag))
		auth = &proxy.Auth{
			User:     torSocks5ProcessIsolation + hex.EncodeToString(sum[:16]),
			Password: string([]byte{0x00}),
		}
	}

	return func(ctx context.Context, network, address string) (net.Conn, error) {
		d, err := proxy.SOCKS5(cfg.Network, cfg.Address, auth, &net.Dialer{})
		if err != nil {
			return nil, err
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, address)
		}
		return d.Dial(network, address)
	}
}

func ensureAddrIPPort(a string) error {
	h, p, err := net.SplitHostPort(a)
	if err != nil {
		return err
	}
	if net.ParseIP(h) == nil {
		return fmt.Errorf("address '%v' is not an IP address", h)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("invalid port '%v'", p)
	}
	return nil
}

func init() {
	// Initialize the per-process Tor SOCKS isolation tag.
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(os.Getpid()))
	binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().Unix()))
	sum := sha512.Sum512_256(buf[:])
	torSocks5ProcessIsolation = "veil:" + hex.EncodeToString(sum[:8]) + ":"
}
