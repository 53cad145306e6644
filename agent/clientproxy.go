package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
)

// clientProxy buffers broadcasts for one connected client until the Connect
// stream sends them. A full buffer drops the payload.
type clientProxy struct {
	id       core.ClientUUID
	messages chan json.RawMessage
	closed   bool
	mu       sync.RWMutex
	logger   *logger.Logger
}

func newClientProxy(id core.ClientUUID, buffer int) *clientProxy {
	return &clientProxy{
		id:       id,
		messages: make(chan json.RawMessage, buffer),
		logger:   logger.NewLogger(fmt.Sprintf("ClientProxy(%s)", id)),
	}
}

// broadcast is the BroadcastFunc handed to the container.
func (cp *clientProxy) broadcast(ctx context.Context, data any) error {
	raw, err := marshalResult(data)
	if err != nil {
		return err
	}
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if cp.closed {
		return nil
	}
	select {
	case cp.messages <- raw:
	default:
		metrics.RecordBroadcastDropped("agent")
		cp.logger.Warnf("Client %s message buffer full, dropping broadcast", cp.id)
	}
	return nil
}

func (cp *clientProxy) close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return
	}
	cp.closed = true
	close(cp.messages)
}
