package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/mevdschee/batchcopy/batchcopy"
)

// Section is the INI section the handler settings are read from
const Section = "batchcopy"

// Load reads configuration from an INI file with environment variable
// overrides. A missing file leaves the defaults in place.
func Load(path string) (batchcopy.Config, error) {
	config := batchcopy.DefaultConfig("")

	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return config, err
	}

	sec := cfg.Section(Section)
	config.DatabaseURL = sec.Key("database_url").MustString(config.DatabaseURL)
	config.Driver = sec.Key("driver").MustString(config.Driver)
	config.MaxRowsPerBatch = sec.Key("max_rows_per_batch").MustInt(config.MaxRowsPerBatch)
	config.MaxChannelCapacity = sec.Key("max_channel_capacity").MustInt(config.MaxChannelCapacity)
	config.FlushTimerMs = sec.Key("flush_timer_ms").MustInt(config.FlushTimerMs)
	config.PoolMaxSize = sec.Key("pool_max_size").MustInt(config.PoolMaxSize)
	config.PoolMaxLifetimeSec = sec.Key("pool_max_lifetime_sec").MustInt(config.PoolMaxLifetimeSec)
	config.PoolConnectTimeoutSec = sec.Key("pool_connect_timeout_sec").MustInt(config.PoolConnectTimeoutSec)
	config.FlushOnClose = sec.Key("flush_on_close").MustBool(config.FlushOnClose)

	// Environment variable overrides
	if v := os.Getenv("BATCHCOPY_DATABASE_URL"); v != "" {
		config.DatabaseURL = v
	}
	if v := os.Getenv("BATCHCOPY_DRIVER"); v != "" {
		config.Driver = v
	}
	if err := envInt("BATCHCOPY_MAX_ROWS_PER_BATCH", &config.MaxRowsPerBatch); err != nil {
		return config, err
	}
	if err := envInt("BATCHCOPY_FLUSH_TIMER_MS", &config.FlushTimerMs); err != nil {
		return config, err
	}

	return config, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}
