package socks5

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/arnevy/socks5d/internal/logging"
)

// halfCloser is implemented by net.Conn types (notably *net.TCPConn) that
// support shutting down only the write side of the connection.
type halfCloser interface {
	CloseWrite() error
}

// relayStats holds the counters a relay reports back to its caller.
type relayStats struct {
	Upstream   int64 // client -> target
	Downstream int64 // target -> client
}

// relay copies data bidirectionally between client and target until both
// directions have finished, half-closing the opposite side's write end as
// each direction reaches EOF. A transport error in either direction closes
// both connections, which ends the other direction too. It returns once both
// io.Copy calls have
// returned, reporting the first non-nil error encountered (if any) and the
// byte counts of each direction.
func relay(client, target net.Conn, logger *slog.Logger) (relayStats, error) {
	var stats relayStats
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.Copy(target, client)
		stats.Upstream = n
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
		if err != nil {
			client.Close()
			target.Close()
		}
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(client, target)
		stats.Downstream = n
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
		if err != nil {
			client.Close()
			target.Close()
		}
	}()

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if logger != nil {
		logger.Debug("relay finished",
			logging.KeyBytes, humanize.Bytes(uint64(stats.Upstream+stats.Downstream)),
			"upstream", humanize.Bytes(uint64(stats.Upstream)),
			"downstream", humanize.Bytes(uint64(stats.Downstream)),
		)
	}

	return stats, firstErr
}
