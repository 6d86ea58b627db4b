//go:build !pyroscope
// +build !pyroscope

// Package profiling optionally enables continuous profiling, when built
// with the pyroscope tag.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing, profiling support was not built in.
func Start(log *logging.Logger, _ string) (func() error, error) {
	log.Debug("Pyroscope is disabled")
	return func() error { return nil }, nil
}
