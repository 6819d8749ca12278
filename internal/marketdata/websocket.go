package marketdata

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dhan-trading-bot/internal/bot"
	"dhan-trading-bot/internal/logging"
)

// WebsocketFeed streams live ticks from the broker's market feed. It owns
// the connection lifecycle: subscribe on connect, keepalive pings, and
// reconnect with a fixed delay when the connection drops.
type WebsocketFeed struct {
	mu sync.RWMutex

	url            string
	symbols        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	handler TickHandler
	logger  *logging.Logger

	conn       *websocket.Conn
	isRunning  bool
	stopChan   chan struct{}
	reconnects int
}

// tickerMessage is one quote frame from the feed.
type tickerMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	LTP    float64 `json:"ltp"`
	LTT    int64   `json:"ltt"` // last trade time, unix milliseconds
}

// subscribeRequest asks the feed for ticker frames on a set of instruments.
type subscribeRequest struct {
	RequestCode int      `json:"request_code"`
	Instruments []string `json:"instruments"`
}

const subscribeTickerCode = 15

// NewWebsocketFeed creates a feed for the given instruments. Ticks are
// passed to handler in arrival order.
func NewWebsocketFeed(url string, symbols []string, reconnectDelay, pingInterval time.Duration, handler TickHandler, logger *logging.Logger) *WebsocketFeed {
	return &WebsocketFeed{
		url:            url,
		symbols:        symbols,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		handler:        handler,
		logger:         logger.WithComponent("ws_feed"),
		stopChan:       make(chan struct{}),
	}
}

// Start begins the connection loop on a background goroutine.
func (f *WebsocketFeed) Start() error {
	f.mu.Lock()
	if f.isRunning {
		f.mu.Unlock()
		return nil
	}
	if f.url == "" {
		f.mu.Unlock()
		return fmt.Errorf("websocket feed url not configured")
	}
	f.isRunning = true
	f.mu.Unlock()

	go f.connect()
	f.logger.Info("websocket feed started", "url", f.url, "symbols", len(f.symbols))
	return nil
}

// Stop closes the connection and halts reconnect attempts.
func (f *WebsocketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isRunning {
		return
	}
	f.isRunning = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.Close()
	}
	f.logger.Info("websocket feed stopped")
}

// IsRunning reports whether the feed is active.
func (f *WebsocketFeed) IsRunning() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isRunning
}

func (f *WebsocketFeed) connect() {
	for {
		f.mu.RLock()
		running := f.isRunning
		f.mu.RUnlock()
		if !running {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			f.logger.Warn("feed connection failed", "error", err.Error())
			f.mu.Lock()
			f.reconnects++
			f.mu.Unlock()
			f.sleep(f.reconnectDelay)
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.reconnects = 0
		f.mu.Unlock()

		if err := f.subscribe(conn); err != nil {
			f.logger.Error("subscribe failed", "error", err.Error())
			conn.Close()
			f.sleep(f.reconnectDelay)
			continue
		}
		f.logger.Info("feed connected", "symbols", len(f.symbols))

		done := make(chan struct{})
		go f.pingLoop(conn, done)
		f.readLoop(conn)
		close(done)

		f.mu.RLock()
		running = f.isRunning
		f.mu.RUnlock()
		if !running {
			return
		}
		f.logger.Warn("feed connection lost, reconnecting",
			"delay", f.reconnectDelay.String())
		f.sleep(f.reconnectDelay)
	}
}

func (f *WebsocketFeed) subscribe(conn *websocket.Conn) error {
	req := subscribeRequest{
		RequestCode: subscribeTickerCode,
		Instruments: f.symbols,
	}
	return conn.WriteJSON(req)
}

func (f *WebsocketFeed) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.handleMessage(message)
	}
}

func (f *WebsocketFeed) handleMessage(message []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.logger.Debug("unparseable feed frame", "error", err.Error())
		return
	}
	if msg.Type != "" && msg.Type != "ticker" {
		return
	}
	if msg.Symbol == "" || msg.LTP <= 0 {
		return
	}
	f.handler(bot.Tick{
		Symbol: msg.Symbol,
		Price:  msg.LTP,
		Time:   time.UnixMilli(msg.LTT).UTC(),
	})
}

func (f *WebsocketFeed) pingLoop(conn *websocket.Conn, done chan struct{}) {
	if f.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-f.stopChan:
			return
		}
	}
}

func (f *WebsocketFeed) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-f.stopChan:
	}
}
