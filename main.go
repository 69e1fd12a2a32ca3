// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// lsvd is a user-space virtual block device: it stores its contents as a
// log of immutable objects in a remote object store, backed by a local
// NVMe device that serves as both write journal and read cache.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by the go compiler and disallows its imports from different
// projects.
//
// - internal/lsvd contains the translation layer, write cache, read cache,
// shared extent-map library, wire formats and the façade that wires them
// together. See the package descriptions in the source code for details.
//
// - internal/backend contains the object-store driver contract plus the
// file and s3 implementations.
//
// - internal/null contains a trivial no-op Block implementation, useful for
// measuring transport overhead in isolation from the façade. It shares
// configuration with the real façade for easy benchmarking.
//
// - internal/config contains the configuration package common to both.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/lsvd/internal/backend"
	"github.com/asch/lsvd/internal/backend/file"
	"github.com/asch/lsvd/internal/backend/s3"
	"github.com/asch/lsvd/internal/config"
	"github.com/asch/lsvd/internal/lsvd/lsvd"
	"github.com/asch/lsvd/internal/null"
)

// Parse configuration from file and environment variables, open the
// volume and run until signaled by SIGINT or SIGTERM to gracefully
// finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	block, err := getBlock(config.Cfg.Null)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Str("volume", config.Cfg.Volume).Msg("lsvd ready")

	waitForSignal()

	log.Info().Str("volume", config.Cfg.Volume).Msg("closing volume")
	if err := block.Close(); err != nil {
		log.Error().Err(err).Send()
	}
}

// getBlock returns the null Block if the user wants it (for benchmarking
// the transport in isolation), otherwise it opens the real façade over a
// backend driver chosen by config.Cfg.Backend.
func getBlock(wantNullDevice bool) (lsvd.Block, error) {
	if wantNullDevice {
		return null.New(), nil
	}

	be, err := newBackend(config.Cfg.Backend)
	if err != nil {
		return nil, err
	}

	return lsvd.Open(be, lsvd.Config{
		DevicePath:         filepath.Join(config.Cfg.CacheDir, config.Cfg.Volume+".cache"),
		VolumePrefix:       config.Cfg.Volume,
		BatchSize:          config.Cfg.BatchSize,
		XlateThreads:       config.Cfg.XlateThreads,
		WcacheBatch:        config.Cfg.WcacheBatch,
		CheckpointInterval: time.Duration(config.Cfg.Intervals.CheckpointMs) * time.Millisecond,
		TimedFlushPeriod:   time.Duration(config.Cfg.Intervals.TimedFlushMs) * time.Millisecond,
		EnableTimedFlush:   true,
	})
}

// newBackend chooses the object-store driver named by config.Cfg.Backend.
// "rados" is accepted for compatibility with existing configuration files
// but has no driver in this core (spec.md §1 treats it as an external
// collaborator); it falls back to the file driver rooted at
// cache_dir/objects.
func newBackend(kind string) (backend.Backend, error) {
	switch kind {
	case "s3":
		return s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
	case "file", "rados", "":
		return file.New(filepath.Join(config.Cfg.CacheDir, "objects"))
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// waitForSignal blocks until SIGINT or SIGTERM is received.
func waitForSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
