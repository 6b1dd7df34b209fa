// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/dropletlab/droplet"
)

func main() {
	droplet.Main()
}
