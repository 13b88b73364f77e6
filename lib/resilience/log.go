// Package resilience provides retry and failure-debouncing primitives for tunlock.
package resilience

import (
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()
