// Package tcp implements the TCP session/packet handler (spec §4.6): one
// goroutine per connection reads record-marked RPC messages, hands each to
// the worker pool for dispatch, and serializes replies back onto the same
// connection. Grounded on pkg/adapter/nfs/connection.go's Serve/readRequest
// loop and internal/adapter/nfs/connection.go's fragment-header helpers,
// generalized from an NFS-specific RPCCallMessage to the transport-agnostic
// rpcpacket.Packet and dispatch.Dispatcher.
package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oncfsd/oncfsd/internal/dispatch"
	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/oncfsd/oncfsd/internal/worker"
	"github.com/oncfsd/oncfsd/internal/xdr"
)

// Config tunes per-connection behavior.
type Config struct {
	IdleTimeout           time.Duration
	MaxRequestsPerConn    int
	MaxFragmentSize       uint32
}

// DefaultConfig matches spec §6's configuration surface.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:        5 * time.Minute,
		MaxRequestsPerConn: 64,
		MaxFragmentSize:    xdr.MaxRecordSize,
	}
}

// Session owns one accepted TCP connection: its monotonic ID, the
// serialized write path, and in-flight request tracking for graceful
// close. It implements rpcpacket.ConnWriter so a worker can deliver a
// reply without reaching back into the listener.
type Session struct {
	id     uint64
	conn   net.Conn
	cfg    Config
	pool   *rpcpacket.Pool
	disp   *dispatch.Dispatcher
	workers *worker.Pool
	sem    chan struct{}
	wg     sync.WaitGroup
	writeMu sync.Mutex
	onClose func(*Session)
}

func newSession(id uint64, conn net.Conn, cfg Config, pkPool *rpcpacket.Pool, disp *dispatch.Dispatcher, workers *worker.Pool, onClose func(*Session)) *Session {
	maxReq := cfg.MaxRequestsPerConn
	if maxReq <= 0 {
		maxReq = DefaultConfig().MaxRequestsPerConn
	}
	return &Session{
		id:      id,
		conn:    conn,
		cfg:     cfg,
		pool:    pkPool,
		disp:    disp,
		workers: workers,
		sem:     make(chan struct{}, maxReq),
		onClose: onClose,
	}
}

// ID returns this session's monotonically-assigned identifier.
func (s *Session) ID() uint64 { return s.id }

// SendResponse implements rpcpacket.ConnWriter: writes reply's finalized
// bytes to the connection under the write mutex, then releases reply.
func (s *Session) SendResponse(reply *rpcpacket.Packet) error {
	defer reply.Release()
	out := reply.Finalize()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(out)
	return err
}

// SendAsyncReply implements oplock.AsyncSender: it pushes a server-initiated
// message (an oplock break, or a requeued deferred open's eventual reply)
// onto this session's connection outside the normal request/response
// cycle, through the same serialized write path SendResponse uses so it
// can never interleave with an in-flight reply.
func (s *Session) SendAsyncReply(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(payload)
	return err
}

// serve reads record-marked RPC messages until ctx is cancelled, the
// connection errors, or the client disconnects.
func (s *Session) serve(ctx context.Context) {
	defer s.close()

	clientAddr := s.conn.RemoteAddr()
	logger.Debug("tcp session started", "session", s.id, "client", clientAddr)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.cfg.IdleTimeout > 0 {
			if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				logger.Warn("tcp session: set deadline failed", "session", s.id, "error", err)
			}
		}

		raw, err := xdr.ReadRecord(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("tcp session closed by client", "session", s.id)
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Debug("tcp session idle timeout", "session", s.id)
			} else {
				logger.Debug("tcp session read error", "session", s.id, "error", err)
			}
			return
		}

		req, err := s.pool.Allocate(len(raw))
		if err != nil {
			req = rpcpacket.NewHeap(len(raw))
		}
		req.SetLength(0)
		if err := req.WriteRaw(raw); err != nil {
			req.Release()
			logger.Warn("tcp session: message exceeds packet capacity", "session", s.id, "size", len(raw))
			continue
		}
		req.SetLength(len(raw))
		req.ClientAddr = clientAddr
		req.Transport = rpcpacket.TransportTCP
		req.SessionID = s.id
		req.Conn = s

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			req.Release()
			return
		}

		s.wg.Add(1)
		s.workers.Submit(func() {
			defer func() { <-s.sem; s.wg.Done() }()
			s.handle(ctx, req)
		})
	}
}

func (s *Session) handle(ctx context.Context, req *rpcpacket.Packet) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tcp request panicked", "session", s.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	defer req.Release()

	reply, err := s.pool.Allocate(req.Cap())
	if err != nil {
		reply = rpcpacket.NewHeap(req.Cap())
	}
	reply.PrepareForWrite(rpcpacket.TransportTCP)

	if err := s.disp.Dispatch(ctx, req.ClientAddr, req, reply); err != nil {
		reply.Release()
		return
	}
	if err := s.SendResponse(reply); err != nil {
		logger.Debug("tcp session write error", "session", s.id, "error", err)
	}
}

func (s *Session) close() {
	s.wg.Wait()
	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}

var sessionIDCounter uint64

func nextSessionID() uint64 {
	return atomic.AddUint64(&sessionIDCounter, 1)
}
