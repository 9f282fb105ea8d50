// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/litp/internal/config"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

const minimalYAML = `
mongo:
  url: mongo.internal:27017
  database: litp
stores:
  source:
    bucket: litp-source
    region: eu-west-2
  target:
    bucket: litp-target
    region: eu-west-2
  reports:
    bucket: litp-reports
    region: eu-west-2
`

func (s *configSuite) write(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "litpd.yaml")
	err := os.WriteFile(path, []byte(content), 0o600)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (s *configSuite) TestLoadOverlaysDefaults(c *gc.C) {
	cfg, err := config.Load(s.write(c, minimalYAML))
	c.Assert(err, jc.ErrorIsNil)

	// Values from the file.
	c.Check(cfg.Mongo.URL, gc.Equals, "mongo.internal:27017")
	c.Check(cfg.Stores.Source.Bucket, gc.Equals, "litp-source")

	// Untouched defaults survive the overlay.
	c.Check(cfg.API.Addr, gc.Equals, ":8080")
	c.Check(cfg.Ingest.BatchSize, gc.Equals, 1000)
	c.Check(cfg.Ingest.WindowDays, gc.Equals, 7)
	c.Check(cfg.Cleanse.PageSize, gc.Equals, 500)
	c.Check(cfg.Logging.Config, gc.Equals, "<root>=INFO")
}

func (s *configSuite) TestLoadOverrides(c *gc.C) {
	cfg, err := config.Load(s.write(c, minimalYAML+`
api:
  addr: :9090
ingest:
  batch-size: 250
  window-days: 3
crypto:
  pepper: s3cret
smtp:
  host: mail.internal
  port: 25
  from: litp@example.com
  to: [quality@example.com]
logging:
  config: <root>=DEBUG
  file: /var/log/litp/litpd.log
`))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.API.Addr, gc.Equals, ":9090")
	c.Check(cfg.Ingest.BatchSize, gc.Equals, 250)
	c.Check(cfg.Ingest.WindowDays, gc.Equals, 3)
	c.Check(cfg.Crypto.Pepper, gc.Equals, "s3cret")
	c.Check(cfg.SMTP.Mail().Enabled(), jc.IsTrue)
	c.Check(cfg.Logging.File, gc.Equals, "/var/log/litp/litpd.log")
}

func (s *configSuite) TestLoadMissingFile(c *gc.C) {
	_, err := config.Load(filepath.Join(c.MkDir(), "absent.yaml"))
	c.Assert(err, gc.ErrorMatches, `reading configuration .*`)
}

func (s *configSuite) TestLoadBadYAML(c *gc.C) {
	_, err := config.Load(s.write(c, "mongo: [not: a: mapping"))
	c.Assert(err, gc.ErrorMatches, `parsing configuration .*`)
}

func (s *configSuite) TestValidateIncompleteMongo(c *gc.C) {
	_, err := config.Load(s.write(c, `
mongo:
  url: ""
`))
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *configSuite) TestValidateIncompleteStore(c *gc.C) {
	_, err := config.Load(s.write(c, `
mongo:
  url: mongo.internal:27017
  database: litp
stores:
  source:
    bucket: litp-source
`))
	c.Assert(err, gc.ErrorMatches, `stores\..*: object store binding without (region|bucket) not valid`)
}

func (s *configSuite) TestValidateIncompleteSMTP(c *gc.C) {
	_, err := config.Load(s.write(c, minimalYAML+`
smtp:
  host: mail.internal
  port: 25
`))
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *configSuite) TestValidateBadIterations(c *gc.C) {
	_, err := config.Load(s.write(c, minimalYAML+`
crypto:
  iterations: -1
`))
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
