package transport

import (
	"net"

	"github.com/gridem/replob/journey"
)

// Listener accepts inbound peer connections and hands each framed
// payload to handle, one journey per connection so a slow or wedged
// peer never blocks the others (spec.md §4.2's full-mesh topology).
type Listener struct {
	ln     net.Listener
	sched  *journey.Scheduler
	handle func(payload []byte)
}

// Listen binds addr (loopback, per spec.md §6's "8800 + i" convention)
// and returns a Listener that is not yet accepting; call Serve to start.
func Listen(addr string, sched *journey.Scheduler, handle func(payload []byte)) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, sched: sched, handle: handle}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until Close is called. Intended to be run
// from its own journey.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		journey.Spawn(l.sched, "transport-reader", func(j *journey.Journey) {
			l.readLoop(conn)
		})
	}
}

func (l *Listener) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			logger.Debugf("connection from %s closed: %v", conn.RemoteAddr(), err)
			return
		}
		l.handle(payload)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
