// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the veil client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/veilmsg/veil/core/onion"
	"github.com/veilmsg/veil/internal/proxy"
)

const (
	defaultLogLevel = "NOTICE"

	defaultDirectoryTimeout = 30

	defaultHandshakeTimeout   = 30
	defaultPingInterval       = 30
	defaultReconnectBaseDelay = 1000
	defaultReconnectMaxDelay  = 120

	defaultMaxHops       = 6
	defaultGuardPolicy   = GuardPolicyFirst
	defaultPathCacheSize = 256

	defaultMaxAttempts   = 5
	defaultRetryDelay    = 2000
	defaultTimeout       = 60
	defaultFlushInterval = 30

	defaultPollInterval   = 60
	defaultReplayCapacity = 1 << 16

	defaultMetricsAddress = "127.0.0.1:6543"

	storeFile = "veil.db"
)

// Guard selection policies.
const (
	GuardPolicyFirst     = "first"
	GuardPolicyRandom    = "random"
	GuardPolicyDirectory = "directory"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Identity locates the local user's private keys.
type Identity struct {
	// DecryptionKeyFile is the PEM file holding the KEM private key.
	DecryptionKeyFile string

	// SignatureKeyFile is the PEM file holding the signature private key.
	SignatureKeyFile string

	// PassphraseEnv names the environment variable holding the key file
	// passphrase, if the key files are encrypted.
	PassphraseEnv string
}

func (iCfg *Identity) fixup(dataDir string) {
	if iCfg.DecryptionKeyFile == "" {
		iCfg.DecryptionKeyFile = filepath.Join(dataDir, "decryption.pem")
	}
	if iCfg.SignatureKeyFile == "" {
		iCfg.SignatureKeyFile = filepath.Join(dataDir, "signature.pem")
	}
}

// Passphrase returns the key file passphrase, or nil.
func (iCfg *Identity) Passphrase() []byte {
	if iCfg.PassphraseEnv == "" {
		return nil
	}
	if s := os.Getenv(iCfg.PassphraseEnv); s != "" {
		return []byte(s)
	}
	return nil
}

// Directory is the relay directory configuration.
type Directory struct {
	// URL is the base URL serving /ServerInfo and /NetworkGraph.
	URL string

	// Timeout is the number of seconds a directory request may take.
	Timeout int
}

func (dCfg *Directory) validate() error {
	u, err := url.Parse(dCfg.URL)
	if err != nil {
		return fmt.Errorf("config: Directory: URL '%v' is invalid: %v", dCfg.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: Directory: URL '%v' must be http or https", dCfg.URL)
	}
	if dCfg.Timeout == 0 {
		dCfg.Timeout = defaultDirectoryTimeout
	}
	return nil
}

// Relay is the persistent relay connection configuration.
type Relay struct {
	// URL is the relay's ws:// or wss:// endpoint.
	URL string

	// HandshakeTimeout is the number of seconds the opening handshake may
	// take.
	HandshakeTimeout int

	// PingInterval is the keepalive period in seconds.
	PingInterval int

	// ReconnectBaseDelay is the initial reconnect delay in milliseconds.
	ReconnectBaseDelay int

	// ReconnectMaxDelay is the largest reconnect delay in seconds.
	ReconnectMaxDelay int
}

func (rCfg *Relay) validate() error {
	u, err := url.Parse(rCfg.URL)
	if err != nil {
		return fmt.Errorf("config: Relay: URL '%v' is invalid: %v", rCfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: Relay: URL '%v' must be ws or wss", rCfg.URL)
	}
	if rCfg.HandshakeTimeout == 0 {
		rCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if rCfg.PingInterval == 0 {
		rCfg.PingInterval = defaultPingInterval
	}
	if rCfg.ReconnectBaseDelay == 0 {
		rCfg.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if rCfg.ReconnectMaxDelay == 0 {
		rCfg.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	return nil
}

// Routing is the path finding configuration.
type Routing struct {
	// MaxHops is the largest number of edges a path may have.
	MaxHops int

	// GuardPolicy selects the guard relay: "first", "random" or
	// "directory".
	GuardPolicy string

	// PathCacheSize is the number of destinations whose path is kept in
	// memory.
	PathCacheSize int
}

func (rCfg *Routing) validate() error {
	if rCfg.MaxHops == 0 {
		rCfg.MaxHops = defaultMaxHops
	}
	if rCfg.MaxHops < 1 {
		return fmt.Errorf("config: Routing: MaxHops %d is invalid", rCfg.MaxHops)
	}
	rCfg.GuardPolicy = strings.ToLower(rCfg.GuardPolicy)
	switch rCfg.GuardPolicy {
	case "":
		rCfg.GuardPolicy = defaultGuardPolicy
	case GuardPolicyFirst, GuardPolicyRandom, GuardPolicyDirectory:
	default:
		return fmt.Errorf("config: Routing: GuardPolicy '%v' is invalid", rCfg.GuardPolicy)
	}
	if rCfg.PathCacheSize == 0 {
		rCfg.PathCacheSize = defaultPathCacheSize
	}
	return nil
}

// Dispatch is the outbound message configuration.
type Dispatch struct {
	// MaxAttempts is the number of connection attempts made per dispatch.
	MaxAttempts int

	// RetryDelay is the delay between connection attempts in
	// milliseconds.
	RetryDelay int

	// Timeout is the number of seconds a dispatch may take, when the
	// caller does not impose a deadline.
	Timeout int

	// FlushInterval is the period in seconds at which the outbox is
	// flushed while running.
	FlushInterval int
}

func (dCfg *Dispatch) fixup() {
	if dCfg.MaxAttempts == 0 {
		dCfg.MaxAttempts = defaultMaxAttempts
	}
	if dCfg.RetryDelay == 0 {
		dCfg.RetryDelay = defaultRetryDelay
	}
	if dCfg.Timeout == 0 {
		dCfg.Timeout = defaultTimeout
	}
	if dCfg.FlushInterval == 0 {
		dCfg.FlushInterval = defaultFlushInterval
	}
}

// Ingest is the inbound message configuration.
type Ingest struct {
	// PollInterval is the period in seconds at which pending envelopes are
	// synchronized while running.
	PollInterval int

	// ReplayCapacity is the number of envelopes the replay filter is
	// sized for.
	ReplayCapacity int
}

func (iCfg *Ingest) fixup() {
	if iCfg.PollInterval == 0 {
		iCfg.PollInterval = defaultPollInterval
	}
	if iCfg.ReplayCapacity == 0 {
		iCfg.ReplayCapacity = defaultReplayCapacity
	}
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
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
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	cfg := &proxy.Config{
		Type:     uCfg.Type,
		Network:  uCfg.Network,
		Address:  uCfg.Address,
		User:     uCfg.User,
		Password: uCfg.Password,
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	// Enable serves metrics while running.
	Enable bool

	// Address is the listen address of the metrics endpoint.
	Address string
}

// Profiling is the continuous profiling configuration.
type Profiling struct {
	// Enable starts the Pyroscope profiler while running.
	Enable bool

	// ServerAddress is the Pyroscope server.
	ServerAddress string

	// ApplicationName is the name profiles are reported under.
	ApplicationName string

	// ServiceTag is attached to every profile.
	ServiceTag string
}

// Config is the top level veil configuration.
type Config struct {
	// DataDir is the directory holding the store and, by default, the
	// key files.
	DataDir string

	Logging       *Logging
	Identity      *Identity
	Directory     *Directory
	Relay         *Relay
	Routing       *Routing
	Onion         *onion.Geometry
	Dispatch      *Dispatch
	Ingest        *Ingest
	UpstreamProxy *UpstreamProxy
	Metrics       *Metrics
	Profiling     *Profiling

	upstreamProxy *proxy.Config
}

// UpstreamProxyConfig returns the configured upstream proxy.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// StorePath returns the path of the store file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, storeFile)
}

// RetryDelay returns Dispatch.RetryDelay as a time.Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Dispatch.RetryDelay) * time.Millisecond
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: No DataDir was present")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", c.DataDir)
	}
	if c.Directory == nil {
		return errors.New("config: No Directory block was present")
	}
	if c.Relay == nil {
		return errors.New("config: No Relay block was present")
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		logging := defaultLogging
		c.Logging = &logging
	}
	if c.Identity == nil {
		c.Identity = new(Identity)
	}
	if c.Routing == nil {
		c.Routing = new(Routing)
	}
	if c.Onion == nil {
		c.Onion = onion.DefaultGeometry()
	}
	if c.Onion.MaxEnvelopeSize == 0 {
		c.Onion.MaxEnvelopeSize = onion.DefaultGeometry().MaxEnvelopeSize
	}
	if c.Onion.MaxLayerGrowth == 0 {
		c.Onion.MaxLayerGrowth = onion.DefaultGeometry().MaxLayerGrowth
	}
	if c.Dispatch == nil {
		c.Dispatch = new(Dispatch)
	}
	if c.Ingest == nil {
		c.Ingest = new(Ingest)
	}
	if c.UpstreamProxy == nil {
		c.UpstreamProxy = new(UpstreamProxy)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = defaultMetricsAddress
	}
	if c.Profiling == nil {
		c.Profiling = new(Profiling)
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	c.Identity.fixup(c.DataDir)
	if err := c.Directory.validate(); err != nil {
		return err
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}
	if err := c.Routing.validate(); err != nil {
		return err
	}
	if err := c.Onion.Validate(); err != nil {
		return fmt.Errorf("config: Onion: %w", err)
	}
	c.Dispatch.fixup()
	c.Ingest.fixup()
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	c.upstreamProxy = uCfg
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
