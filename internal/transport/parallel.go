package transport

import (
	"fmt"
	"time"

	"github.com/auroradata-ai/dppir/internal/logging"
	"github.com/auroradata-ai/dppir/internal/types"
)

// PeerAddr is where one sibling server can be reached for the parallel
// shuffle's inter-sibling connections.
type PeerAddr struct {
	IP           string
	ParallelPort int
}

// ParallelGroup holds one connection to every other sibling server
// sharding the same party: this server listens for and accepts
// connections from siblings with a lower ID, and dials out to siblings
// with a higher ID, matching the original's half-duplex role split so
// each pair of siblings opens exactly one connection between them.
//
// Poll replaces the original's poll(2) loop: one goroutine per sibling
// blocks on a buffered Peek (the Go equivalent of POLLIN) and reports
// readiness over a channel; Poll is a select across all of them.
type ParallelGroup struct {
	serverID    types.ServerID
	serverCount types.ServerID
	conns       map[types.ServerID]*Conn

	ready   chan types.ServerID
	ack     map[types.ServerID]chan struct{}
	ignored map[types.ServerID]bool
}

// DialParallelGroup connects this server to every other sibling server.
// peers must be indexed by server ID and have serverCount entries (the
// entry for serverID itself is ignored).
func DialParallelGroup(serverID, serverCount types.ServerID, parallelPort int, peers []PeerAddr) (*ParallelGroup, error) {
	g := &ParallelGroup{
		serverID:    serverID,
		serverCount: serverCount,
		conns:       make(map[types.ServerID]*Conn),
		ready:       make(chan types.ServerID),
		ack:         make(map[types.ServerID]chan struct{}),
		ignored:     make(map[types.ServerID]bool),
	}

	// Accept from every sibling with a lower ID.
	if serverID > 0 {
		logging.Info("transport: accepting %d parallel sibling connections on port %d", serverID, parallelPort)
		ln, err := Listen(parallelPort)
		if err != nil {
			return nil, err
		}
		defer ln.Close()
		for i := types.ServerID(0); i < serverID; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return nil, err
			}
			idBuf, err := conn.ReadRaw(1)
			if err != nil {
				return nil, fmt.Errorf("transport: reading sibling identity: %w", err)
			}
			sourceID := types.ServerID(idBuf[0])
			if sourceID >= serverID {
				return nil, fmt.Errorf("transport: sibling %d declared ID %d, expected < %d", i, sourceID, serverID)
			}
			g.conns[sourceID] = conn
		}
	}

	// Dial every sibling with a higher ID.
	for id := serverID + 1; id < serverCount; id++ {
		peer := peers[id]
		logging.Info("transport: connecting to parallel sibling %d at %s:%d", id, peer.IP, peer.ParallelPort)
		conn, err := Dial(peer.IP, peer.ParallelPort)
		if err != nil {
			return nil, err
		}
		if err := conn.SendRaw([]byte{byte(serverID)}); err != nil {
			return nil, fmt.Errorf("transport: declaring identity to sibling %d: %w", id, err)
		}
		if err := conn.Flush(); err != nil {
			return nil, err
		}
		g.conns[id] = conn
	}

	g.startPolling()
	return g, nil
}

func (g *ParallelGroup) startPolling() {
	for id, conn := range g.conns {
		id, conn := id, conn
		g.ack[id] = make(chan struct{})
		go func() {
			for {
				if _, err := conn.r.Peek(1); err != nil {
					return
				}
				g.ready <- id
				if _, ok := <-g.ack[id]; !ok {
					return
				}
			}
		}()
	}
}

// Conn returns the connection to a given sibling server.
func (g *ParallelGroup) Conn(id types.ServerID) *Conn { return g.conns[id] }

// SendCount sends count to a specific sibling.
func (g *ParallelGroup) SendCount(target types.ServerID, count types.Index) error {
	return g.conns[target].SendCount(count)
}

// BroadcastCount sends count to every sibling.
func (g *ParallelGroup) BroadcastCount(count types.Index) error {
	for id, conn := range g.conns {
		if err := conn.SendCount(count); err != nil {
			return fmt.Errorf("transport: broadcasting count to sibling %d: %w", id, err)
		}
	}
	return nil
}

// ReadCount reads a count sent by a specific sibling.
func (g *ParallelGroup) ReadCount(source types.ServerID) (types.Index, error) {
	return g.conns[source].ReadCount()
}

// BroadcastReady signals every sibling that this server has finished its
// current phase.
func (g *ParallelGroup) BroadcastReady() error {
	for id, conn := range g.conns {
		if err := conn.SendReady(); err != nil {
			return fmt.Errorf("transport: signaling ready to sibling %d: %w", id, err)
		}
	}
	return nil
}

// WaitForReady blocks until every sibling has signaled ready.
func (g *ParallelGroup) WaitForReady() error {
	for id, conn := range g.conns {
		if err := conn.WaitForReady(); err != nil {
			return fmt.Errorf("transport: waiting for sibling %d: %w", id, err)
		}
	}
	return nil
}

// BroadcastSecret sends an offline secret to every sibling, so all
// siblings within a party end up with every installed secret.
func (g *ParallelGroup) BroadcastSecret(buf []byte) error {
	for id, conn := range g.conns {
		if err := conn.SendRaw(buf); err != nil {
			return fmt.Errorf("transport: broadcasting secret to sibling %d: %w", id, err)
		}
	}
	return nil
}

// FlushAll flushes every sibling connection's write buffer.
func (g *ParallelGroup) FlushAll() error {
	for id, conn := range g.conns {
		if err := conn.Flush(); err != nil {
			return fmt.Errorf("transport: flushing to sibling %d: %w", id, err)
		}
	}
	return nil
}

// IgnoreServer excludes a sibling from future Poll results (e.g. once its
// share of the shuffle has been fully drained).
func (g *ParallelGroup) IgnoreServer(id types.ServerID) { g.ignored[id] = true }

// ResetServers clears every ignore flag set by IgnoreServer.
func (g *ParallelGroup) ResetServers() { g.ignored = make(map[types.ServerID]bool) }

// Poll blocks until some non-ignored sibling has data ready to read, or
// timeout elapses. The caller must call Ack(id) once it has finished
// reading from that sibling, to let polling resume.
func (g *ParallelGroup) Poll(timeout time.Duration) (types.ServerID, bool, error) {
	deadline := time.After(timeout)
	for {
		select {
		case id := <-g.ready:
			if g.ignored[id] {
				g.ack[id] <- struct{}{}
				continue
			}
			return id, true, nil
		case <-deadline:
			return 0, false, nil
		}
	}
}

// Ack releases the poller goroutine for id to resume watching for the
// next frame after the caller has finished reading the current one.
func (g *ParallelGroup) Ack(id types.ServerID) { g.ack[id] <- struct{}{} }

// Close closes every sibling connection.
func (g *ParallelGroup) Close() error {
	for id, conn := range g.conns {
		close(g.ack[id])
		if err := conn.Close(); err != nil {
			return fmt.Errorf("transport: closing sibling %d: %w", id, err)
		}
	}
	return nil
}
