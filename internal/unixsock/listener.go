// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package unixsock provides Unix domain socket support for low-latency
// local frame ingestion, e.g. from a CAN bridge daemon on the same box.
package unixsock

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ridgetel/mm2/internal/service"
	"github.com/ridgetel/mm2/pkg/pool"
)

// Listener manages Unix socket connections for frame ingestion.
type Listener struct {
	socketPath  string
	poolService *service.PoolService
	listener    net.Listener
	wg          sync.WaitGroup
	done        chan struct{}
	mu          sync.Mutex
}

// NewListener creates a new Unix socket listener.
func NewListener(socketPath string, poolService *service.PoolService) *Listener {
	return &Listener{
		socketPath:  socketPath,
		poolService: poolService,
		done:        make(chan struct{}),
	}
}

// Start begins listening on the Unix socket.
func (l *Listener) Start() error {
	// Ensure socket directory exists
	socketDir := filepath.Dir(l.socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove existing socket file if present
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	// Readable/writable by owner and group only; socket permissions are
	// the access control for local ingestion.
	if err := os.Chmod(l.socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()

	log.Printf("Unix socket listening on %s", l.socketPath)

	go l.acceptLoop()

	return nil
}

// Stop gracefully shuts down the listener.
func (l *Listener) Stop() error {
	close(l.done)

	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Unlock()

	// Wait for all connections to finish
	l.wg.Wait()

	os.Remove(l.socketPath)

	return nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				log.Printf("Unix socket accept error: %v", err)
				continue
			}
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// Connection protocol:
// 1. Client sends: OPEN <pool-name> <owner>\n
// 2. Server responds: OK\n or ERROR <message>\n
// 3. Client sends frame lines: hex-encoded bytes, one frame per line
// 4. Server responds per line: OK <sector>\n, DROP <reason>\n on
//    backpressure, or ERROR <message>\n
//
// A DROP is not a connection error: the pool is exhausted or the owner
// is in fail-safe mode, and the frame was discarded. Clients keep
// sending; the condition clears when a consumer frees sectors.

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	// Read OPEN line
	openLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	openLine = strings.TrimSpace(openLine)

	parts := strings.SplitN(openLine, " ", 3)
	if len(parts) != 3 || strings.ToUpper(parts[0]) != "OPEN" {
		writer.WriteString("ERROR invalid open format, expected: OPEN <pool> <owner>\n")
		writer.Flush()
		return
	}

	poolName := parts[1]
	owner64, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil || owner64 == 0 {
		writer.WriteString("ERROR owner must be a non-zero integer\n")
		writer.Flush()
		return
	}
	owner := uint32(owner64)

	p, err := l.poolService.GetOrOpen(poolName)
	if err != nil {
		writer.WriteString(fmt.Sprintf("ERROR failed to open pool: %s\n", err.Error()))
		writer.Flush()
		return
	}

	writer.WriteString("OK\n")
	writer.Flush()

	// The current partially filled sector, carried across frames so
	// small frames pack instead of burning one sector each.
	var cur pool.Handle
	haveCur := false

	for {
		select {
		case <-l.done:
			return
		default:
		}

		// Set read deadline for interruptibility
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Handle QUIT command
		if strings.ToUpper(line) == "QUIT" {
			writer.WriteString("OK bye\n")
			writer.Flush()
			return
		}

		frame, err := hex.DecodeString(line)
		if err != nil {
			writer.WriteString(fmt.Sprintf("ERROR invalid hex: %s\n", err.Error()))
			writer.Flush()
			continue
		}
		if len(frame) == 0 {
			writer.WriteString("ERROR empty frame\n")
			writer.Flush()
			continue
		}

		last, dropErr, err := storeFrame(p, owner, frame, &cur, &haveCur)
		switch {
		case dropErr != nil:
			writer.WriteString(fmt.Sprintf("DROP %s\n", dropErr.Error()))
		case err != nil:
			writer.WriteString(fmt.Sprintf("ERROR store failed: %s\n", err.Error()))
		default:
			writer.WriteString(fmt.Sprintf("OK %d\n", last))
		}
		writer.Flush()
	}
}

// storeFrame appends one frame to owner's chain, allocating sectors as
// needed. Returns the last sector written, a drop error for
// backpressure conditions, or a hard error.
func storeFrame(p *pool.Pool, owner uint32, frame []byte, cur *pool.Handle, haveCur *bool) (uint32, error, error) {
	rest := frame
	last := cur.Sector

	for len(rest) > 0 {
		if !*haveCur {
			h, err := p.Allocate(owner)
			if err != nil {
				if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrFailSafe) {
					return 0, err, nil
				}
				return 0, nil, err
			}
			*cur = h
			*haveCur = true
		}

		n, err := p.AppendBytes(*cur, rest)
		if err != nil {
			*haveCur = false
			return 0, nil, err
		}
		last = cur.Sector
		rest = rest[n:]
		if n == 0 || len(rest) > 0 {
			// Sector full; chain another on the next pass.
			*haveCur = false
		}
	}

	return last, nil, nil
}

// SocketPath returns the path to the Unix socket.
func (l *Listener) SocketPath() string {
	return l.socketPath
}
