package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/cycletrader/internal/stream"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

const (
	MainnetStreamURL = "wss://stream.binance.com:9443/ws"
	TestnetStreamURL = "wss://stream.testnet.binance.vision/ws"

	eventBuffer  = 64
	closeTimeout = 5 * time.Second
)

// KeyService manages listen keys. Implemented by the trading gateway.
type KeyService interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepaliveUserStream(ctx context.Context, listenKey string) error
	CloseUserStream(ctx context.Context, listenKey string) error
}

// UserStream implements stream.Feed over the Binance user data stream.
type UserStream struct {
	keys    KeyService
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func NewUserStream(keys KeyService, testnet bool, logger *slog.Logger) *UserStream {
	baseURL := MainnetStreamURL
	if testnet {
		baseURL = TestnetStreamURL
	}
	return &UserStream{
		keys:    keys,
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}
}

// Open creates a listen key and connects the socket.
func (u *UserStream) Open(ctx context.Context) (stream.Session, error) {
	key, err := u.keys.StartUserStream(ctx)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(u.baseURL, "/") + "/" + key
	conn, _, err := u.dialer.DialContext(ctx, url, nil)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = u.keys.CloseUserStream(closeCtx, key)
		return nil, fmt.Errorf("failed to dial user stream: %w", err)
	}

	s := &session{
		conn:   conn,
		key:    key,
		keys:   u.keys,
		logger: u.logger,
		events: make(chan stream.OrderEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.readLoop()

	u.logger.Debug("user stream opened")
	return s, nil
}

type session struct {
	conn   *websocket.Conn
	key    string
	keys   KeyService
	logger *slog.Logger

	events chan stream.OrderEvent
	done   chan struct{}

	mu        sync.Mutex
	err       error
	doneOnce  sync.Once
	closeOnce sync.Once
}

func (s *session) Events() <-chan stream.OrderEvent { return s.events }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Renew(ctx context.Context) error {
	return s.keys.KeepaliveUserStream(ctx, s.key)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.finish(stream.ErrSessionClosed)
		_ = s.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = s.keys.CloseUserStream(ctx, s.key)
	})
	return err
}

// finish records the first terminal reason and closes done.
func (s *session) finish(reason error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *session) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(fmt.Errorf("user stream read: %w", err))
			return
		}

		event, kind, err := decodeMessage(msg)
		if err != nil {
			s.logger.Warn("failed to decode user stream message", "error", err)
			continue
		}

		switch kind {
		case eventExecutionReport:
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		case eventListenKeyExpired:
			s.finish(stream.ErrKeyExpired)
			_ = s.conn.Close()
			return
		}
	}
}

const (
	eventExecutionReport  = string(binance.UserDataEventTypeExecutionReport)
	eventListenKeyExpired = "listenKeyExpired"
)

// decodeMessage reads the event type first and decodes execution reports
// into the SDK's order update.
func decodeMessage(msg []byte) (stream.OrderEvent, string, error) {
	var header binance.WsUserDataEvent
	if err := json.Unmarshal(msg, &header); err != nil {
		return stream.OrderEvent{}, "", err
	}
	kind := string(header.Event)
	if header.Event != binance.UserDataEventTypeExecutionReport {
		return stream.OrderEvent{}, kind, nil
	}

	report := &header.OrderUpdate
	if err := json.Unmarshal(msg, report); err != nil {
		return stream.OrderEvent{}, "", fmt.Errorf("invalid execution report: %w", err)
	}

	event := stream.OrderEvent{
		Symbol:    report.Symbol,
		OrderID:   strconv.FormatInt(report.Id, 10),
		Side:      trading.Side(report.Side),
		ExecType:  report.ExecutionType,
		Status:    trading.OrderStatus(report.Status),
		EventTime: time.UnixMilli(header.Time),
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&event.Price, report.Price},
		{&event.OrigQty, report.Volume},
		{&event.LastQty, report.LatestVolume},
		{&event.LastPrice, report.LatestPrice},
		{&event.ExecutedQty, report.FilledVolume},
		{&event.CumQuoteQty, report.FilledQuoteVolume},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return stream.OrderEvent{}, "", fmt.Errorf("invalid decimal %q: %w", f.src, err)
		}
		*f.dst = v
	}

	return event, kind, nil
}
