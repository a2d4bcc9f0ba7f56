// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package chronowheel

import (
	"github.com/intuitivelabs/slog"
)

// Log is the package-wide logger. Tests and embedders adjust its level
// with slog.SetLevel(&Log, ...); the default level is warnings and
// above, quiet enough for a library embedded in a larger host.
var Log slog.Log

func init() {
	slog.SetLevel(&Log, slog.LWARN)
}

func DBGon() bool { return Log.DBGon() }
func WARNon() bool { return Log.WARNon() }
func ERRon() bool { return Log.ERRon() }

func DBG(f string, args ...interface{}) { Log.DBG(f, args...) }
func WARN(f string, args ...interface{}) { Log.WARN(f, args...) }
func ERR(f string, args ...interface{}) { Log.ERR(f, args...) }
func BUG(f string, args ...interface{}) { Log.BUG(f, args...) }
func PANIC(f string, args ...interface{}) { Log.PANIC(f, args...) }
