// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config implements the oubliette configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/oubliette/kdf"
	"github.com/katzenpost/oubliette/log"
)

const (
	defaultContainerSize = 500 * 1024 * 1024
	defaultMinDelayMs    = 1250
	defaultMaxDelayMs    = 2000
	defaultLogLevel      = "NOTICE"
)

// Storage is the container storage configuration.
type Storage struct {
	// Directory is where the blob, index artifacts and metadata
	// database live.  Required, absolute.
	Directory string

	// ContainerSize is the fixed blob capacity in bytes, set once at
	// creation.  Defaults to 500 MiB.
	ContainerSize int64
}

func (sCfg *Storage) validate() error {
	if sCfg.Directory == "" {
		return errors.New("config: Storage.Directory is not set")
	}
	if !filepath.IsAbs(sCfg.Directory) {
		return fmt.Errorf("config: Storage.Directory '%v' is not an absolute path", sCfg.Directory)
	}
	if sCfg.ContainerSize < 0 {
		return fmt.Errorf("config: Storage.ContainerSize %d is negative", sCfg.ContainerSize)
	}
	if sCfg.ContainerSize == 0 {
		sCfg.ContainerSize = defaultContainerSize
	}
	return nil
}

// Unlock tunes the unlock path.  The delay window exists so total
// unlock latency is independent of whether a key is correct, wrong or
// the duress key; it must comfortably exceed worst case derivation
// plus index decryption time on the slowest supported hardware.
type Unlock struct {
	// MinDelayMs/MaxDelayMs bound the randomized unlock latency
	// window in milliseconds.  These are lower bounds: the manager
	// raises the effective window at open time to cover a full duress
	// wipe at the container device's measured fill rate, since an
	// unlock that outlasts its padding would reveal the wipe.
	MinDelayMs int
	MaxDelayMs int

	// GestureKDFIterations/PhraseKDFIterations override the PBKDF2
	// iteration counts.  ONLY for test configurations: changing them
	// on a live install orphans every existing vault.
	GestureKDFIterations int
	PhraseKDFIterations  int
}

func (uCfg *Unlock) validate() error {
	if uCfg.MinDelayMs < 0 || uCfg.MaxDelayMs < 0 {
		return errors.New("config: Unlock delay bounds are negative")
	}
	if uCfg.MinDelayMs == 0 {
		uCfg.MinDelayMs = defaultMinDelayMs
	}
	if uCfg.MaxDelayMs == 0 {
		uCfg.MaxDelayMs = defaultMaxDelayMs
	}
	if uCfg.MaxDelayMs < uCfg.MinDelayMs {
		return fmt.Errorf("config: Unlock.MaxDelayMs %d < MinDelayMs %d", uCfg.MaxDelayMs, uCfg.MinDelayMs)
	}
	if uCfg.GestureKDFIterations == 0 {
		uCfg.GestureKDFIterations = kdf.VaultKeyIterations
	}
	if uCfg.PhraseKDFIterations == 0 {
		uCfg.PhraseKDFIterations = kdf.PhraseKeyIterations
	}
	return nil
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
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	if !lCfg.Disable && lCfg.File != "" && !filepath.IsAbs(lCfg.File) {
		return errors.New("config: Logging.File must be an absolute path")
	}
	return nil
}

// Config is the top level oubliette configuration.
type Config struct {
	Storage *Storage
	Unlock  *Unlock
	Logging *Logging
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	if c.Unlock == nil {
		c.Unlock = &Unlock{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Unlock.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// InitLogBackend initializes the logging backend per the config.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	return log.New(c.Logging.File, c.Logging.Level, c.Logging.Disable)
}

// Load parses and validates the provided buffer b as a config file
// body and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
