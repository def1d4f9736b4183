// Package config loads the process.* and cache options (§6) via viper,
// with pflag-bound CLI overrides taking precedence over a config file,
// which in turn takes precedence over the defaults below.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/meshrun/flowcore/internal/hashkey"
)

// Options is the resolved process.*/cache configuration a session builds
// its internal/session.Config from.
type Options struct {
	Executor       string // process.executor: "local" or "grid"
	MaxForks       int    // process.maxForks
	MaxDuration    time.Duration
	Container      string // process.container
	ClusterOptions string // process.clusterOptions
	StoreDir       string // process.storeDir
	CacheMode      string // cache: standard|deep|lenient|false
}

// HashMode translates CacheMode into a hashkey.Mode plus whether caching
// is enabled at all ("false" disables it outright, per §6).
func (o Options) HashMode() (mode hashkey.Mode, enabled bool, err error) {
	switch o.CacheMode {
	case "", "standard":
		return hashkey.Standard, true, nil
	case "deep":
		return hashkey.Deep, true, nil
	case "lenient":
		return hashkey.Lenient, true, nil
	case "false":
		return hashkey.Standard, false, nil
	default:
		return 0, false, fmt.Errorf("unrecognized cache mode %q (want standard, deep, lenient, or false)", o.CacheMode)
	}
}

// BindFlags registers the process.*/cache pflag overrides on fs and binds
// them into v, so a flag set on the command line always wins over a value
// loaded from file or left at its default.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("executor", "", "process.executor: local or grid")
	fs.Int("max-forks", 0, "process.maxForks: per-process parallelism cap")
	fs.Duration("max-duration", 0, "process.maxDuration: per-task walltime")
	fs.String("container", "", "process.container: image to run tasks inside")
	fs.String("cluster-options", "", "process.clusterOptions: appended verbatim to grid submit argv")
	fs.String("store-dir", "", "process.storeDir: skip execution if outputs already exist there")
	fs.String("cache", "standard", "cache: standard, deep, lenient, or false")

	bindViperFlags(fs, v)
}

// bindViperFlags associates already-defined flags with their viper keys,
// without defining any flag itself — safe to call more than once (e.g.
// once at registration time via BindFlags, and again in Load after
// parsing), unlike fs.String/fs.Int, which panic on redefinition.
func bindViperFlags(fs *pflag.FlagSet, v *viper.Viper) {
	_ = v.BindPFlag("process.executor", fs.Lookup("executor"))
	_ = v.BindPFlag("process.maxForks", fs.Lookup("max-forks"))
	_ = v.BindPFlag("process.maxDuration", fs.Lookup("max-duration"))
	_ = v.BindPFlag("process.container", fs.Lookup("container"))
	_ = v.BindPFlag("process.clusterOptions", fs.Lookup("cluster-options"))
	_ = v.BindPFlag("process.storeDir", fs.Lookup("store-dir"))
	_ = v.BindPFlag("cache", fs.Lookup("cache"))
}

// Load reads configFile (if non-empty) into a fresh viper instance, applies
// the defaults below, layers in any pflag overrides already bound via
// BindFlags, and unmarshals the result into Options. configFile missing is
// not an error — the engine runs against pure defaults/flags.
func Load(configFile string, fs *pflag.FlagSet) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("FLOWCORE")
	v.AutomaticEnv()

	v.SetDefault("process.executor", "local")
	v.SetDefault("process.maxForks", 4)
	v.SetDefault("process.maxDuration", 0)
	v.SetDefault("process.container", "")
	v.SetDefault("process.clusterOptions", "")
	v.SetDefault("process.storeDir", "")
	v.SetDefault("cache", "standard")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	if fs != nil {
		bindViperFlags(fs, v)
	}

	opts := Options{
		Executor:       v.GetString("process.executor"),
		MaxForks:       v.GetInt("process.maxForks"),
		MaxDuration:    v.GetDuration("process.maxDuration"),
		Container:      v.GetString("process.container"),
		ClusterOptions: v.GetString("process.clusterOptions"),
		StoreDir:       v.GetString("process.storeDir"),
		CacheMode:      v.GetString("cache"),
	}
	return opts, nil
}
