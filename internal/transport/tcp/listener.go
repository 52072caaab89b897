package tcp

import (
	"context"
	"net"
	"sync"

	"github.com/oncfsd/oncfsd/internal/dispatch"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/oncfsd/oncfsd/internal/worker"
)

// Listener accepts TCP connections and spins up a Session per connection,
// tracking every active session in a registry so Stop can wait for a clean
// drain (spec §4.6, "registry of active packet handlers").
type Listener struct {
	ln      net.Listener
	cfg     Config
	pool    *rpcpacket.Pool
	disp    *dispatch.Dispatcher
	workers *worker.Pool

	mu       sync.Mutex
	sessions map[uint64]*Session
	wg       sync.WaitGroup
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, cfg Config, pool *rpcpacket.Pool, disp *dispatch.Dispatcher, workers *worker.Pool) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		ln:       ln,
		cfg:      cfg,
		pool:     pool,
		disp:     disp,
		workers:  workers,
		sessions: make(map[uint64]*Session),
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It returns once the accept loop exits; it does not wait for
// in-flight sessions (use Stop for that).
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		id := nextSessionID()
		sess := newSession(id, conn, l.cfg, l.pool, l.disp, l.workers, l.removeSession)

		l.mu.Lock()
		l.sessions[id] = sess
		l.mu.Unlock()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			sess.serve(ctx)
		}()
	}
}

func (l *Listener) removeSession(s *Session) {
	l.mu.Lock()
	delete(l.sessions, s.id)
	l.mu.Unlock()
}

// ActiveSessions returns the number of currently open sessions, for the
// admin introspection surface.
func (l *Listener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Stop closes the listener and blocks until every accepted session has
// finished closing.
func (l *Listener) Stop() {
	_ = l.ln.Close()
	l.wg.Wait()
}
