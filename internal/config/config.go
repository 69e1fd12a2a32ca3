// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/lsvd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Null bool `toml:"null" env:"LSVD_NULL" env-default:"false" env-description:"Use the null Block implementation, i.e. immediate acknowledge to every read or write. For measuring transport overhead in isolation."`

	Volume     string `toml:"volume" env:"LSVD_VOLUME" env-description:"Volume prefix: the superblock object name and numbered-object prefix." env-default:"lsvd"`
	Size       int64  `toml:"size" env:"LSVD_SIZE" env-default:"8" env-description:"Device size in GB. This program does not format volumes and does not read it."`
	CacheDir   string `toml:"cache_dir" env:"LSVD_CACHE_DIR" env-default:"/tmp" env-description:"Directory holding the volume's local device file."`
	CacheSize  int64  `toml:"cache_size" env:"LSVD_CACHE_SIZE" env-default:"32" env-description:"Local device footprint for read+write caches combined, in MB. Parsed but not read by this program."`
	Backend    string `toml:"backend" env:"LSVD_BACKEND" env-default:"file" env-description:"Object store driver: file, s3 or rados (rados uses the file driver). S3 options are configured under [s3]."`

	BatchSize    int `toml:"batch_size" env:"LSVD_BATCH_SIZE" env-default:"8" env-description:"Maximum MB per backend DATA object."`
	XlateThreads int `toml:"xlate_threads" env:"LSVD_XLATE_THREADS" env-default:"2" env-description:"Translation worker count."`
	XlateWindow  int `toml:"xlate_window" env:"LSVD_XLATE_WINDOW" env-default:"8" env-description:"Maximum in-flight backend objects. Parsed but not applied: the number of in-flight objects is not limited by this value."`
	WcacheBatch  int `toml:"wcache_batch" env:"LSVD_WCACHE_BATCH" env-default:"8" env-description:"Minimum sub-writes before forcing a journal flush under load."`

	Intervals struct {
		TimedFlushMs int64 `toml:"timed_flush_ms" env:"LSVD_TIMED_FLUSH_MS" env-default:"500" env-description:"Translation layer idle-batch flush period, in ms."`
		CheckpointMs int64 `toml:"checkpoint_ms" env:"LSVD_CHECKPOINT_MS" env-default:"5000" env-description:"Write cache checkpoint interval ceiling, in ms."`
	} `toml:"intervals"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"LSVD_S3_BUCKET" env-description:"S3 Bucket name." env-default:"lsvd"`
		Remote      string `toml:"remote" env:"LSVD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"LSVD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"LSVD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"LSVD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"LSVD_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"LSVD_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"LSVD_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"LSVD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"LSVD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"LSVD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024
	Cfg.CacheSize *= 1024 * 1024
	Cfg.BatchSize *= 1024 * 1024

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("lsvd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
