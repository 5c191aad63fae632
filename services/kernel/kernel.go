package kernel

import (
	"sync"
	"sync/atomic"
)

var shutdownFlag uint32
var shutdownChannel = make(chan bool)
var shutdownChannelCloseOnce sync.Once

// Startup starts kernel services
func Startup() {
}

// Shutdown stops kernel services
func Shutdown() {
}

// GetShutdownFlag returns the shutdown flag for kernel
func GetShutdownFlag() bool {
	if atomic.LoadUint32(&shutdownFlag) != 0 {
		return true
	}
	return false
}

// SetShutdownFlag sets the shutdown flag for kernel
func SetShutdownFlag() {
	atomic.StoreUint32(&shutdownFlag, 1)
	shutdownChannelCloseOnce.Do(func() {
		close(shutdownChannel)
	})
}

// GetShutdownChannel returns a channel that is closed when the shutdown flag is set
func GetShutdownChannel() chan bool {
	return shutdownChannel
}
