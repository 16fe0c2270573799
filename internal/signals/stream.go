package signals

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// Handler streams every signal of the bus to a websocket client as JSON.
// The stream ends when the client goes away.
func Handler(bus *Bus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("Failed to accept signal stream")
			return
		}
		defer conn.CloseNow()

		ch, cancel := bus.Subscribe(256)
		defer cancel()

		// we never expect messages from the client
		ctx := conn.CloseRead(r.Context())
		logger := logrus.WithField("remote", r.RemoteAddr)
		logger.Debug("Signal stream opened")

		for {
			select {
			case <-ctx.Done():
				logger.Debug("Signal stream closed")
				return
			case s, ok := <-ch:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "bus closed")
					return
				}
				writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, s)
				done()
				if err != nil {
					logger.WithError(err).Debug("Signal stream write failed")
					return
				}
			}
		}
	})
}
