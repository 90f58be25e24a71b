package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSFeed reads quote batches, one JSON array per text message.
type WSFeed struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Subscribe dials the stream. The connection closes when ctx is done.
func (f *WSFeed) Subscribe(ctx context.Context) (<-chan []Record, error) {
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, _, err := dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("market: dial %s: %w", f.URL, err)
	}

	out := make(chan []Record, 16)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil ||
					websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				logger.Warn("market: websocket read failed", zap.String("url", f.URL), zap.Error(err))
				return
			}
			recs, err := Decode(msg)
			if err != nil {
				logger.Warn("market: bad websocket payload", zap.Error(err))
				continue
			}
			select {
			case out <- recs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
