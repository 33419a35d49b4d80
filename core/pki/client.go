// client.go - Directory HTTP client.
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

package pki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/core/log"
)

const (
	serverInfoPath   = "/ServerInfo"
	networkGraphPath = "/NetworkGraph"

	maxResponseSize = 8 << 20

	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// ErrDirectoryUnavailable is the error returned while the directory client's
// circuit breaker is open.
var ErrDirectoryUnavailable = errors.New("pki: directory unavailable")

// Directory is the read-only interface to the relay directory.
type Directory interface {
	// ServerInfo returns the description of the directory's own relay.
	ServerInfo(ctx context.Context) (*ServerInfo, error)

	// NetworkGraph returns the current topology snapshot.  The snapshot's
	// Version is left to the caller, as it is advertised by ServerInfo.
	NetworkGraph(ctx context.Context) (*Topology, error)
}

// DirectoryClient is a Directory backed by HTTP.
type DirectoryClient struct {
	log *logging.Logger

	baseURL    *url.URL
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewDirectoryClient returns a client for the directory at baseURL.  A nil
// httpClient selects http.DefaultClient.
func NewDirectoryClient(baseURL string, httpClient *http.Client, logBackend *log.Backend) (*DirectoryClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("pki: invalid directory URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("pki: invalid directory URL scheme: '%v'", u.Scheme)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &DirectoryClient{
		log:        logBackend.GetLogger("pki/directory"),
		baseURL:    u,
		httpClient: httpClient,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "directory",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.Warningf("Circuit breaker '%s': %v -> %v", name, from, to)
		},
	})
	return c, nil
}

// ServerInfo implements Directory.
func (c *DirectoryClient) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	info := new(ServerInfo)
	if err := c.get(ctx, serverInfoPath, info); err != nil {
		return nil, err
	}
	if _, err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// NetworkGraph implements Directory.
func (c *DirectoryClient) NetworkGraph(ctx context.Context) (*Topology, error) {
	var records []VertexRecord
	if err := c.get(ctx, networkGraphPath, &records); err != nil {
		return nil, err
	}
	t, skipped := ToTopology(records)
	if skipped > 0 {
		c.log.Warningf("Skipped %d invalid vertex records.", skipped)
	}
	c.log.Debugf("Fetched graph: %d vertices, %d edges.", len(t.Vertices), len(t.Edges))
	return t, nil
}

func (c *DirectoryClient) get(ctx context.Context, path string, v interface{}) error {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("pki: GET %s: unexpected status: %s", path, resp.Status)
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(v); err != nil {
			return nil, fmt.Errorf("pki: GET %s: failed to decode: %w", path, err)
		}
		return nil, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	default:
		return err
	}
}
