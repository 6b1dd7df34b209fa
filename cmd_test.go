// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"bytes"
	"strings"

	"gopkg.in/check.v1"
)

type cmdSuite struct{}

var _ = check.Suite(&cmdSuite{})

func (s *cmdSuite) TestVersion(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := RunCommand("droplet", []string{"version"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(strings.HasPrefix(stdout.String(), "droplet version "), check.Equals, true)
}

func (s *cmdSuite) TestUnknownCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := RunCommand("droplet", []string{"frobnicate"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(strings.Contains(stderr.String(), "unrecognized command"), check.Equals, true)
	c.Check(strings.Contains(stderr.String(), "run"), check.Equals, true)
}

func (s *cmdSuite) TestNoArguments(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := RunCommand("droplet", nil, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(strings.Contains(stderr.String(), "usage:"), check.Equals, true)
}
