// Package udp implements the UDP datagram handler (spec §4.5): each
// datagram is one complete RPC message with no record marking, processed
// inline and replied to on the same socket. Grounded on
// internal/protocol/portmap/server.go's serveUDP loop, generalized from a
// single fixed program to an arbitrary dispatch.Dispatcher.
package udp

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oncfsd/oncfsd/internal/dispatch"
	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/oncfsd/oncfsd/internal/worker"
)

// MaxDatagramSize is the largest UDP datagram this handler will accept,
// matching the practical ceiling for RPC-over-UDP traffic (NFS UDP mounts
// never exceed this).
const MaxDatagramSize = 65507

// pollInterval bounds how long a ReadFromUDP call blocks before the
// handler re-checks ctx, so Serve can shut down without an OS-level
// interrupt of a blocked read.
const pollInterval = 500 * time.Millisecond

// Handler owns a bound UDP socket and dispatches every datagram through a
// Dispatcher, replying inline on the same connection.
type Handler struct {
	conn    *net.UDPConn
	disp    *dispatch.Dispatcher
	pool    *rpcpacket.Pool
	workers *worker.Pool

	wg sync.WaitGroup
}

// Listen binds addr and returns a Handler ready to Serve.
func Listen(addr string, pool *rpcpacket.Pool, disp *dispatch.Dispatcher, workers *worker.Pool) (*Handler, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Handler{conn: conn, disp: disp, pool: pool, workers: workers}, nil
}

// Addr returns the bound local address.
func (h *Handler) Addr() net.Addr { return h.conn.LocalAddr() }

// Serve reads datagrams until ctx is cancelled. Each datagram is dispatched
// inline on the read loop and its reply written to the sender before the
// next datagram is read, so processing is sequential per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return nil
		default:
		}

		if err := h.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			logger.Warn("udp handler: set deadline failed", "error", err)
			continue
		}

		n, clientAddr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				h.wg.Wait()
				return nil
			default:
				logger.Debug("udp handler: read error", "error", err)
				continue
			}
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		h.handle(ctx, clientAddr, msg)
	}
}

func (h *Handler) handle(ctx context.Context, clientAddr *net.UDPAddr, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("udp request panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	req, err := h.pool.Allocate(len(msg))
	if err != nil {
		req = rpcpacket.NewHeap(len(msg))
	}
	defer req.Release()
	if err := req.WriteRaw(msg); err != nil {
		logger.Warn("udp handler: message exceeds packet capacity", "size", len(msg))
		return
	}
	req.SetLength(len(msg))
	req.ClientAddr = clientAddr
	req.Transport = rpcpacket.TransportUDP

	reply, err := h.pool.Allocate(req.Cap())
	if err != nil {
		reply = rpcpacket.NewHeap(req.Cap())
	}
	defer reply.Release()
	reply.PrepareForWrite(rpcpacket.TransportUDP)

	if err := h.disp.Dispatch(ctx, clientAddr, req, reply); err != nil {
		// Unparseable datagram: drop silently, per spec §4.7.
		return
	}

	if _, err := h.conn.WriteToUDP(reply.Finalize(), clientAddr); err != nil {
		logger.Debug("udp handler: write error", "client", clientAddr, "error", err)
	}
}

// Stop closes the socket, unblocking any in-progress ReadFromUDP.
func (h *Handler) Stop() {
	_ = h.conn.Close()
	h.wg.Wait()
}
