/*
Package config holds the parameters of an engine. Each parameter is a flag on the command
line and may also be set in an hcl config file; a flag given on the command line wins over
the config file.
*/
package config

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/extent"
	"github.com/leftmike/kvcore/storage/kv"
	"github.com/leftmike/kvcore/storage/wal"
)

type Config struct {
	DataDir         string
	Store           string
	WALFile         string
	WALSync         bool
	WALCompression  string
	ExtentPages     uint64
	SlotsPerPage    int
	LockWaitTimeout time.Duration
	MetaCacheSize   int
	PersistQueue    int
	Workers         int

	vars map[string]*pflag.Flag
	file map[string]interface{}
}

func Default() *Config {
	return &Config{
		DataDir:         "testdata",
		Store:           "pebble",
		WALSync:         true,
		WALCompression:  "snappy",
		ExtentPages:     256,
		SlotsPerPage:    64,
		LockWaitTimeout: 5 * time.Second,
		MetaCacheSize:   128,
		PersistQueue:    1024,
		Workers:         4,
		vars:            map[string]*pflag.Flag{},
		file:            map[string]interface{}{},
	}
}

// Flags adds a flag to fs for each parameter.
func (cfg *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "`directory` containing the store")
	cfg.Var(fs.Lookup("data"))

	fs.StringVar(&cfg.Store, "store", cfg.Store,
		fmt.Sprintf("KV store to use: one of %v", kv.Stores))
	cfg.Var(fs.Lookup("store"))

	fs.StringVar(&cfg.WALFile, "wal-file", cfg.WALFile,
		"`file` for the write ahead log; defaults to kvcore.wal in the data directory")
	cfg.Var(fs.Lookup("wal-file"))

	fs.BoolVar(&cfg.WALSync, "wal-sync", cfg.WALSync, "sync the log on every commit")
	cfg.Var(fs.Lookup("wal-sync"))

	fs.StringVar(&cfg.WALCompression, "wal-compression", cfg.WALCompression,
		"log compression: none, snappy, lz4, or zstd")
	cfg.Var(fs.Lookup("wal-compression"))

	fs.Uint64Var(&cfg.ExtentPages, "extent-pages", cfg.ExtentPages,
		"pages in each new extent, including its header page")
	cfg.Var(fs.Lookup("extent-pages"))

	fs.IntVar(&cfg.SlotsPerPage, "slots-per-page", cfg.SlotsPerPage, "tuples on each page")
	cfg.Var(fs.Lookup("slots-per-page"))

	fs.DurationVar(&cfg.LockWaitTimeout, "lock-wait-timeout", cfg.LockWaitTimeout,
		"how long a row lock request may wait; 0 waits forever")
	cfg.Var(fs.Lookup("lock-wait-timeout"))

	fs.IntVar(&cfg.MetaCacheSize, "meta-cache-size", cfg.MetaCacheSize,
		"table descriptors to cache")
	cfg.Var(fs.Lookup("meta-cache-size"))

	fs.IntVar(&cfg.PersistQueue, "persist-queue", cfg.PersistQueue,
		"changes which may wait to be persisted before commits block")
	cfg.Var(fs.Lookup("persist-queue"))

	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of thread contexts")
	cfg.Var(fs.Lookup("workers"))
}

// Var allows the config file to set flg.
func (cfg *Config) Var(flg *pflag.Flag) {
	if flg == nil {
		panic("config: missing flag")
	}
	cfg.vars[flg.Name] = flg
}

// Load sets parameters from an hcl config; parameters whose flags were set on the command
// line are left alone.
func (cfg *Config) Load(s string) error {
	var file map[string]interface{}
	err := hcl.Decode(&file, s)
	if err != nil {
		return errors.Wrap(err, "config")
	}

	for name, val := range file {
		flg, ok := cfg.vars[name]
		if !ok {
			return errors.Errorf("config: %s is not a config variable", name)
		}
		cfg.file[name] = val
		if flg.Changed {
			continue
		}
		err := flg.Value.Set(fmt.Sprintf("%v", val))
		if err != nil {
			return errors.Wrapf(err, "config: %s", name)
		}
	}
	return nil
}

func (cfg *Config) LoadFile(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config")
	}
	return cfg.Load(string(b))
}

func (cfg *Config) Validate() error {
	var found bool
	for _, st := range kv.Stores {
		if st == cfg.Store {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("config: store must be one of %v: %s", kv.Stores, cfg.Store)
	}
	_, err := wal.ParseCompression(cfg.WALCompression)
	if err != nil {
		return errors.Wrap(err, "config")
	}
	if cfg.ExtentPages < 2 || cfg.ExtentPages > extent.MaxPageCount {
		return errors.Errorf("config: extent-pages must be between 2 and %d: %d",
			extent.MaxPageCount, cfg.ExtentPages)
	}
	if cfg.SlotsPerPage < 1 || cfg.SlotsPerPage > storage.MaxSlots {
		return errors.Errorf("config: slots-per-page must be between 1 and %d: %d",
			storage.MaxSlots, cfg.SlotsPerPage)
	}
	if cfg.LockWaitTimeout < 0 {
		return errors.Errorf("config: lock-wait-timeout must not be negative: %s",
			cfg.LockWaitTimeout)
	}
	if cfg.Workers < 1 {
		return errors.Errorf("config: workers must be at least 1: %d", cfg.Workers)
	}
	return nil
}

func (cfg *Config) WALPath() string {
	if cfg.WALFile != "" {
		return cfg.WALFile
	}
	return filepath.Join(cfg.DataDir, "kvcore.wal")
}

// Param is a parameter and where its value came from: flag, config, or default.
type Param struct {
	Name  string
	By    string
	Value string
}

func (cfg *Config) Params() []Param {
	var params []Param
	for name, flg := range cfg.vars {
		p := Param{Name: name, Value: flg.Value.String()}
		if flg.Changed {
			p.By = "flag"
		} else if _, ok := cfg.file[name]; ok {
			p.By = "config"
		} else {
			p.By = "default"
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}
