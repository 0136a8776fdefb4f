package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// A relay connection is considered dead when neither data nor a pong
// arrives within pongTimeout. Pings go out every pingPeriod, which must
// stay comfortably under the timeout.
const (
	pingPeriod       = 30 * time.Second
	pongTimeout      = 60 * time.Second
	pingWriteTimeout = 10 * time.Second
)

// armReadDeadline pushes the connection's read deadline out by pongTimeout.
// The read loops call it after every successful read, the pong handler on
// every pong.
func armReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
}

func (ac *agentConn) keepAlive() (stop func())  { return pingUntilStopped(ac.conn, &ac.mu) }
func (vc *viewerConn) keepAlive() (stop func()) { return pingUntilStopped(vc.conn, &vc.mu) }

// pingUntilStopped arms the pong deadline on conn and pings the peer every
// pingPeriod until stop is called or a ping write fails (a dead peer then
// surfaces as a deadline error on the read loop). mu serializes the control
// writes with the connection's data writes.
func pingUntilStopped(conn *websocket.Conn, mu *sync.Mutex) (stop func()) {
	armReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		armReadDeadline(conn)
		return nil
	})

	stopc := make(chan struct{})
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-stopc:
				return
			case <-t.C:
			}
			mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout))
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return func() { close(stopc) }
}
