// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package logging defines the logger interface shared by every component.
package logging

import (
	"github.com/sirupsen/logrus"
)

// L accepts logging data.
//
// L is shaped to match logrus' *logrus.Entry and *logrus.Logger, so either can
// be passed directly. Any leveled logger exposing these methods will do.
type L interface {
	Error(args ...interface{})
	Warn(args ...interface{})
	Info(args ...interface{})
	Debug(args ...interface{})

	Errorf(fmt string, args ...interface{})
	Warnf(fmt string, args ...interface{})
	Infof(fmt string, args ...interface{})
	Debugf(fmt string, args ...interface{})
}

// Nop is a L instance that does nothing.
var Nop L = nopLogger{}

// Must ensures that a valid L is available. If l is not nil, it will be
// returned; otherwise, Must will return Nop.
func Must(l L) L {
	if l != nil {
		return l
	}
	return Nop
}

// With returns a logger derived from l that carries the field key=value, if l
// supports structured fields. Otherwise l (or Nop) is returned unchanged.
func With(l L, key string, value interface{}) L {
	switch fl := l.(type) {
	case nil:
		return Nop
	case *logrus.Entry:
		return fl.WithField(key, value)
	case *logrus.Logger:
		return fl.WithField(key, value)
	default:
		return l
	}
}

type nopLogger struct{}

func (nopLogger) Error(args ...interface{}) {}
func (nopLogger) Warn(args ...interface{})  {}
func (nopLogger) Info(args ...interface{})  {}
func (nopLogger) Debug(args ...interface{}) {}

func (nopLogger) Errorf(fmt string, args ...interface{}) {}
func (nopLogger) Warnf(fmt string, args ...interface{})  {}
func (nopLogger) Infof(fmt string, args ...interface{})  {}
func (nopLogger) Debugf(fmt string, args ...interface{}) {}
