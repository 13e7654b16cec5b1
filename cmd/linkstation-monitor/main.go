// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Command linkstation-monitor polls Buffalo LinkStation devices and exposes
// their disks as Home Assistant sensors.
package main

import (
	"github.com/iKaew/hass-linkstation-addon/app"
)

func main() {
	app.Main()
}
