// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads and validates the litpd configuration file.
package config

import (
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/litp/internal/filecrypto"
	"github.com/canonical/litp/internal/mail"
	"github.com/canonical/litp/internal/objectstore"
)

// Config is the full litpd configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Stores  StoresConfig  `yaml:"stores"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Cleanse CleanseConfig `yaml:"cleanse"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig is the HTTP listener configuration.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// MongoConfig addresses the document database.
type MongoConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// StoreConfig is one object store binding.
type StoreConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	AccessKey      string `yaml:"access-key"`
	SecretKey      string `yaml:"secret-key"`
	ForcePathStyle bool   `yaml:"force-path-style"`
}

// Binding converts the YAML shape into the object store layer's config.
func (c StoreConfig) Binding() objectstore.Config {
	return objectstore.Config{
		Endpoint:       c.Endpoint,
		Region:         c.Region,
		Bucket:         c.Bucket,
		Prefix:         c.Prefix,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		ForcePathStyle: c.ForcePathStyle,
	}
}

// StoresConfig names the three object store bindings the platform uses.
// The source binding is only ever handed out with read capability.
type StoresConfig struct {
	Source  StoreConfig `yaml:"source"`
	Target  StoreConfig `yaml:"target"`
	Reports StoreConfig `yaml:"reports"`
}

// CryptoConfig drives snapshot decryption key derivation.
type CryptoConfig struct {
	Pepper     string `yaml:"pepper"`
	Iterations int    `yaml:"iterations"`
}

// IngestConfig tunes the import pipeline.
type IngestConfig struct {
	AcquisitionWorkers int `yaml:"acquisition-workers"`
	DatasetWorkers     int `yaml:"dataset-workers"`
	BatchSize          int `yaml:"batch-size"`
	WindowDays         int `yaml:"window-days"`
}

// CleanseConfig tunes the analysis engine.
type CleanseConfig struct {
	PageSize       int `yaml:"page-size"`
	ExportPageSize int `yaml:"export-page-size"`
}

// SMTPConfig is the notification endpoint. An empty host disables
// notifications.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Mail converts the YAML shape into the mail package's config.
func (c SMTPConfig) Mail() mail.Config {
	return mail.Config{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		From:     c.From,
		To:       c.To,
	}
}

// LoggingConfig drives loggo and the rotating log file.
type LoggingConfig struct {
	// Config is a loggo specification, e.g. "<root>=INFO;litp.ingest=DEBUG".
	Config string `yaml:"config"`

	// File enables logging to a rotated file alongside stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

// Default returns the configuration defaults applied before the file is
// overlaid.
func Default() Config {
	return Config{
		API:   APIConfig{Addr: ":8080"},
		Mongo: MongoConfig{URL: "localhost:27017", Database: "litp"},
		Crypto: CryptoConfig{
			Iterations: filecrypto.DefaultIterations,
		},
		Ingest: IngestConfig{
			AcquisitionWorkers: 4,
			DatasetWorkers:     4,
			BatchSize:          1000,
			WindowDays:         7,
		},
		Cleanse: CleanseConfig{
			PageSize:       500,
			ExportPageSize: 500,
		},
		Logging: LoggingConfig{
			Config:     "<root>=INFO",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads the configuration file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading configuration %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing configuration %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the configuration for completeness.
func (c Config) Validate() error {
	if c.API.Addr == "" {
		return errors.NotValidf("configuration without api.addr")
	}
	if c.Mongo.URL == "" || c.Mongo.Database == "" {
		return errors.NotValidf("incomplete mongo configuration")
	}
	for name, store := range map[string]StoreConfig{
		"source":  c.Stores.Source,
		"target":  c.Stores.Target,
		"reports": c.Stores.Reports,
	} {
		if err := store.Binding().Validate(); err != nil {
			return errors.Annotatef(err, "stores.%s", name)
		}
	}
	if c.Crypto.Iterations <= 0 {
		return errors.NotValidf("crypto.iterations %d", c.Crypto.Iterations)
	}
	if err := c.SMTP.Mail().Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}
