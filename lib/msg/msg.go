// Package msg defines the interface for different message brokers.
//
package msg

import (
	"sync"

	"github.com/tarancss/wam/lib/block/types"
)

// Notifier publishes wallet activity alerts to a message broker so downstream
// consumers can react without polling the monitor. Broker failures are the
// caller's to log, never to retry in the hot path.
type Notifier interface {
	Setup(interface{}) error
	Close() error

	// SendAlert publishes a confirmed transaction for a watched wallet.
	SendAlert(net string, t types.Trans) error
	// GetAlerts consumes published alerts for the given network. The Mutex
	// pointer is provided to ensure the consumed message has been fully dealt
	// with, so it is only acknowledged when the mutex is unlocked.
	GetAlerts(net string, mut *sync.Mutex) (<-chan types.Trans, <-chan error, error)
}
