package stream

import (
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

// NewTCP returns a Transport to a Wi-Fi adapter listening on addr.
func NewTCP(addr string, log *zap.Logger) Transport {
	return newRWTransport("tcp", log, func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	})
}
