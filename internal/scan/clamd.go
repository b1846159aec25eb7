package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"media-intake/internal/logging"
)

const clamdChunkSize = 2048

// ClamdEngine streams content to a clamd daemon over TCP using the
// INSTREAM command.
type ClamdEngine struct {
	addr        string
	dialTimeout time.Duration
}

// NewClamdEngine creates an engine talking to clamd at addr
// (host:port, typically port 3310).
func NewClamdEngine(addr string) *ClamdEngine {
	return &ClamdEngine{addr: addr, dialTimeout: 5 * time.Second}
}

// Name returns the engine label.
func (e *ClamdEngine) Name() string { return "clamd" }

// Scan streams r to clamd and interprets the verdict line. The connection
// deadline is derived from the engine context timeout.
func (e *ClamdEngine) Scan(ctx context.Context, r io.Reader, ec EngineContext) (bool, error) {
	var d net.Dialer
	d.Timeout = e.dialTimeout

	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return false, fmt.Errorf("clamd unreachable at %s: %w", e.addr, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logging.Debug("clamd connection close: %v", err)
		}
	}()

	if ec.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(ec.Timeout)); err != nil {
			return false, fmt.Errorf("clamd deadline: %w", err)
		}
	}

	// INSTREAM: null-terminated command, then length-prefixed chunks,
	// terminated by a zero-length chunk.
	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return false, fmt.Errorf("clamd write: %w", err)
	}

	chunk := make([]byte, clamdChunkSize)
	var prefix [4]byte
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, err := conn.Write(prefix[:]); err != nil {
				return false, fmt.Errorf("clamd write: %w", err)
			}
			if _, err := conn.Write(chunk[:n]); err != nil {
				return false, fmt.Errorf("clamd write: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return false, fmt.Errorf("read artifact: %w", readErr)
		}
	}
	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := conn.Write(prefix[:]); err != nil {
		return false, fmt.Errorf("clamd write: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return false, fmt.Errorf("clamd read verdict: %w", err)
	}
	reply = strings.TrimRight(reply, "\x00\n ")
	logging.Debug("clamd verdict for %s: %s", ec.Name, reply)

	switch {
	case strings.HasSuffix(reply, "OK"):
		return true, nil
	case strings.HasSuffix(reply, "FOUND"):
		return false, nil
	default:
		return false, fmt.Errorf("clamd error reply: %s", reply)
	}
}
