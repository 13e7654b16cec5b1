// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package app

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// LevelFlag is a pflag.Value implementation that stores a logrus level.
type LevelFlag logrus.Level

var _ pflag.Value = (*LevelFlag)(nil)

func (lf *LevelFlag) String() string { return logrus.Level(*lf).String() }

// Set implements pflag.Value.
func (lf *LevelFlag) Set(v string) error {
	level, err := logrus.ParseLevel(v)
	if err != nil {
		return errors.Errorf("unknown log level: %q", v)
	}
	*lf = LevelFlag(level)
	return nil
}

// Type implements pflag.Value.
func (lf *LevelFlag) Type() string { return "level" }

// Value returns the level held by this flag.
func (lf LevelFlag) Value() logrus.Level { return logrus.Level(lf) }

// LevelFlagValues returns the list of possible values for a LevelFlag.
func LevelFlagValues() string {
	names := make([]string, len(logrus.AllLevels))
	for i, l := range logrus.AllLevels {
		names[i] = l.String()
	}
	return strings.Join(names, ", ")
}
