// Package listener binds local sockets, accepts inbound connections,
// and hands each accepted socket to a new session. One Listener runs
// per configured bind address.
package listener

import (
	"context"
	"net"
	"sync"
	"time"

	"dispatchproxy/internal/addr"
	"dispatchproxy/internal/applog"
	"dispatchproxy/internal/balancer"
	"dispatchproxy/internal/metrics"
	"dispatchproxy/internal/netsock"
	"dispatchproxy/internal/reactor"
	"dispatchproxy/internal/session"
)

// Listener owns one bound TCP socket and the accept loop feeding it.
type Listener struct {
	bind     addr.SocketAddress
	balancer *balancer.Manager
	group    *reactor.Group
	sessCfg  session.Config

	ln net.Listener
	wg sync.WaitGroup
}

// New binds sa with SO_REUSEADDR. A bind/listen failure here is fatal
// at startup and is returned unwrapped for the caller to abort on.
func New(ctx context.Context, sa addr.SocketAddress, mgr *balancer.Manager, group *reactor.Group, sessCfg session.Config) (*Listener, error) {
	ln, err := netsock.Listen(ctx, sa)
	if err != nil {
		return nil, err
	}
	return &Listener{bind: sa, balancer: mgr, group: group, sessCfg: sessCfg, ln: ln}, nil
}

// Addr returns the bind address this Listener was constructed with.
func (l *Listener) Addr() addr.SocketAddress { return l.bind }

// Serve runs the accept loop until Close is called or ctx is done. A
// hard accept error does not tear the listener down — it logs and
// continues.
func (l *Listener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if netsock.IsClosed(err) {
				return
			}
			applog.Warn().Str("bind", addr.SocketToStr(l.bind)).Err(err).Msg("accept error")
			continue
		}

		sess := session.New(conn, l.balancer, l.sessCfg)
		sess.SetToken(l.group.Register(sess.ID(), sess))
		metrics.TotalSessions.Inc()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.group.Unregister(sess.Token())
			sess.Run()
		}()
	}
}

// Close closes the listening socket and waits up to one second for the
// session goroutines this Listener started to return; sessions still
// running after that are left running. There is no graceful draining
// protocol beyond closing listeners.
func (l *Listener) Close() error {
	err := l.ln.Close()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return err
}
