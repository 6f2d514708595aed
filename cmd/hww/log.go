// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/hwwsuite/hwwallet/wallet"
)

// logWriter duplicates log output to stdout and, when configured, a rotated
// log file.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if w.rotator != nil {
		w.rotator.Write(p)
	}

	return len(p), nil
}

// setupLogging wires the btclog backend into the wallet package, optionally
// rotating into a log file. The returned function flushes and closes the
// rotator.
func setupLogging(cfg *config) (func(), error) {
	writer := &logWriter{}

	if cfg.LogFile != "" {
		err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700)
		if err != nil {
			return nil, fmt.Errorf("unable to create log dir: %w",
				err)
		}

		r, err := rotator.New(cfg.LogFile, 10*1024, false, 3)
		if err != nil {
			return nil, fmt.Errorf("unable to create log "+
				"rotator: %w", err)
		}
		writer.rotator = r
	}

	backend := btclog.NewBackend(writer)
	logger := backend.Logger("HWWL")

	level, _ := btclog.LevelFromString(cfg.DebugLevel)
	logger.SetLevel(level)

	wallet.UseLogger(logger)

	return func() {
		if writer.rotator != nil {
			writer.rotator.Close()
		}
	}, nil
}
