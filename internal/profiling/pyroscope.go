// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package profiling provides optional continuous profiling.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling.  Empty arguments fall back to the
// PYROSCOPE_SERVER_ADDRESS, PYROSCOPE_APP_NAME and PYROSCOPE_SERVICE_TAG
// environment variables.  The returned function stops the profiler.
func Start(log *logging.Logger, serverAddress, appName, serviceTag string) (func() error, error) {
	log.Info("Starting Pyroscope")

	if serverAddress == "" {
		serverAddress = os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	}
	if serverAddress == "" {
		return nil, errors.New("PYROSCOPE_SERVER_ADDRESS is not set")
	}
	if appName == "" {
		appName = os.Getenv("PYROSCOPE_APP_NAME")
	}
	if appName == "" {
		appName = "veil"
	}
	if serviceTag == "" {
		serviceTag = os.Getenv("PYROSCOPE_SERVICE_TAG")
	}

	tags := make(map[string]string)
	if serviceTag != "" {
		tags["service"] = serviceTag
	}
	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            tags,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started successfully at %s, app name: %s, service tag: %s", serverAddress, appName, serviceTag)
	return p.Stop, nil
}
