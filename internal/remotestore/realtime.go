package remotestore

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const realtimeDialTimeout = 10 * time.Second

type realtimeSubscribeFrame struct {
	Action          string `json:"action"`
	Collection      string `json:"collection"`
	TargetSessionID string `json:"targetSessionId"`
}

type realtimeEventFrame struct {
	Type   string        `json:"type"`
	Record CommandRecord `json:"record"`
}

// realtimeFeed consumes command inserts from a websocket change-feed
// gateway. One connection carries one subscription; the gateway filters
// by target session, and the reader drops anything else defensively.
type realtimeFeed struct {
	conn      *websocket.Conn
	sessionID string
	events    chan CommandRecord
	done      chan struct{}

	mu             sync.Mutex
	err            error
	closed         bool
	closedByCaller bool
}

func dialRealtimeFeed(ctx context.Context, gatewayURL, bearerToken, sessionID string) (*realtimeFeed, error) {
	gatewayURL = strings.TrimSpace(gatewayURL)
	if gatewayURL == "" {
		return nil, ErrInvalidInput
	}
	dialCtx, cancel := context.WithTimeout(ctx, realtimeDialTimeout)
	defer cancel()

	header := http.Header{}
	if strings.TrimSpace(bearerToken) != "" {
		header.Set("Authorization", "Bearer "+bearerToken)
	}
	conn, _, err := websocket.Dial(dialCtx, gatewayURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	subscribeCtx, cancelSubscribe := context.WithTimeout(ctx, realtimeDialTimeout)
	defer cancelSubscribe()
	err = wsjson.Write(subscribeCtx, conn, realtimeSubscribeFrame{
		Action:          "subscribe",
		Collection:      postgresCommandTableName,
		TargetSessionID: sessionID,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "subscribe failed")
		return nil, err
	}
	feed := &realtimeFeed{
		conn:      conn,
		sessionID: sessionID,
		events:    make(chan CommandRecord, memoryFeedBuffer),
		done:      make(chan struct{}),
	}
	go feed.run()
	return feed, nil
}

// run is the sole writer and closer of f.events.
func (f *realtimeFeed) run() {
	defer close(f.events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-f.done
		cancel()
	}()
	for {
		var frame realtimeEventFrame
		if err := wsjson.Read(ctx, f.conn, &frame); err != nil {
			f.terminate(err)
			return
		}
		if frame.Type != "insert" || strings.TrimSpace(frame.Record.ID) == "" {
			continue
		}
		if frame.Record.TargetSessionID != f.sessionID {
			continue
		}
		select {
		case f.events <- frame.Record:
		case <-f.done:
			return
		}
	}
}

func (f *realtimeFeed) Events() <-chan CommandRecord {
	return f.events
}

func (f *realtimeFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedByCaller {
		return nil
	}
	return f.err
}

func (f *realtimeFeed) Close() error {
	f.mu.Lock()
	f.closedByCaller = true
	f.mu.Unlock()
	f.terminate(nil)
	return nil
}

func (f *realtimeFeed) terminate(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.closed = true
	close(f.done)
	f.mu.Unlock()
	_ = f.conn.Close(websocket.StatusNormalClosure, "")
}
