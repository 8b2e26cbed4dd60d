// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package axis

import (
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) validPool() Pool {
	return Pool{
		Name:         "build",
		ImageID:      "ami-123",
		InstanceType: "m5.large",
		BootTimeout:  Duration(10 * time.Minute),
	}
}

func (s *ConfigSuite) TestPoolCheck(c *check.C) {
	c.Check(s.validPool().Check(), check.IsNil)

	p := s.validPool()
	p.Name = "build__2"
	c.Check(p.Check(), check.ErrorMatches, `.*invalid pool name.*`)

	p = s.validPool()
	p.ImageID = ""
	p.BootTimeout = 0
	c.Check(p.Check(), check.ErrorMatches, `pool "build": ImageID is empty; BootTimeout must be positive`)

	p = s.validPool()
	p.SpotMaxPrice = "0.05"
	c.Check(p.Check(), check.ErrorMatches, `.*invalid BidType "".*`)
	p.BidType = "one-time"
	c.Check(p.Check(), check.IsNil)
	c.Check(p.Spot(), check.Equals, true)
	p.SpotMaxPrice = "cheap"
	c.Check(p.Check(), check.ErrorMatches, `.*invalid SpotMaxPrice "cheap".*`)
}

func (s *ConfigSuite) TestGetPool(c *check.C) {
	cfg := Config{Pools: map[string]Pool{"build": {ImageID: "ami-123"}}}
	p, err := cfg.GetPool("build")
	c.Check(err, check.IsNil)
	c.Check(p.Name, check.Equals, "build")
	c.Check(p.ImageID, check.Equals, "ami-123")
	_, err = cfg.GetPool("test")
	c.Check(err, check.ErrorMatches, `pool "test" is not configured`)
}

func (s *ConfigSuite) TestLabels(c *check.C) {
	c.Check(Label("build", 3), check.Equals, "build__3")
	for _, trial := range []struct {
		label string
		pool  string
		n     int
		err   string
	}{
		{"build__3", "build", 3, ""},
		{"linux-x64__12", "linux-x64", 12, ""},
		{"a__b__7", "a__b", 7, ""},
		{"build", "", 0, "label has no worker number"},
		{"__3", "", 0, "label has no worker number"},
		{"build__x", "", 0, `invalid worker number .*`},
		{"build__0", "", 0, `invalid worker number .*`},
	} {
		pool, n, err := ParseLabel(trial.label)
		if trial.err != "" {
			c.Check(err, check.ErrorMatches, trial.err)
			continue
		}
		c.Check(err, check.IsNil)
		c.Check(pool, check.Equals, trial.pool)
		c.Check(n, check.Equals, trial.n)
	}
}
