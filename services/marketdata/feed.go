package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrFeedClosed signals a clean end of stream.
var ErrFeedClosed = errors.New("marketdata: feed closed")

// Feed delivers closed bars for one symbol in timestamp order. Next
// blocks until a new bar closes or ctx is done.
type Feed interface {
	Next(ctx context.Context) (Bar, error)
	Close() error
}

// SliceFeed replays a pre-loaded series, used by backtests and tests.
type SliceFeed struct {
	bars []Bar
	i    int
}

func NewSliceFeed(bars []Bar) *SliceFeed { return &SliceFeed{bars: bars} }

func (f *SliceFeed) Next(ctx context.Context) (Bar, error) {
	if f.i >= len(f.bars) {
		return Bar{}, ErrFeedClosed
	}
	b := f.bars[f.i]
	f.i++
	return b, nil
}

func (f *SliceFeed) Close() error { return nil }

// WSFeed subscribes to a kline websocket stream and emits a bar each
// time the exchange marks the current kline closed.
type WSFeed struct {
	url    string
	symbol string
	log    *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	out  chan Bar
	errs chan error
	stop chan struct{}
	once sync.Once
}

func NewWSFeed(url, symbol string, log *zap.Logger) *WSFeed {
	return &WSFeed{
		url:    url,
		symbol: symbol,
		log:    log,
		out:    make(chan Bar, 256),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

// Connect dials the stream and starts the read pump.
func (f *WSFeed) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.log.Info("kline stream connected", zap.String("symbol", f.symbol), zap.String("url", f.url))
	go f.readPump()
	return nil
}

// klineEnvelope matches the exchange kline payload; only the fields the
// engine needs are decoded.
type klineEnvelope struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (f *WSFeed) readPump() {
	for {
		select {
		case <-f.stop:
			return
		default:
		}
		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			select {
			case f.errs <- err:
			default:
			}
			return
		}
		var env klineEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || !env.Kline.Closed {
			continue
		}
		b, err := parseKline(env)
		if err != nil {
			f.log.Warn("dropping malformed kline", zap.Error(err))
			continue
		}
		select {
		case f.out <- b:
		case <-f.stop:
			return
		}
	}
}

func parseKline(env klineEnvelope) (Bar, error) {
	k := env.Kline
	b := Bar{Timestamp: k.OpenTime}
	for _, p := range []struct {
		s   string
		dst *float64
	}{{k.Open, &b.Open}, {k.High, &b.High}, {k.Low, &b.Low}, {k.Close, &b.Close}, {k.Volume, &b.Volume}} {
		v, err := strconv.ParseFloat(p.s, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("kline field %q: %w", p.s, err)
		}
		*p.dst = v
	}
	return b, b.Validate()
}

func (f *WSFeed) Next(ctx context.Context) (Bar, error) {
	select {
	case b := <-f.out:
		return b, nil
	case err := <-f.errs:
		return Bar{}, fmt.Errorf("kline stream: %w", err)
	case <-ctx.Done():
		return Bar{}, ctx.Err()
	}
}

func (f *WSFeed) Close() error {
	f.once.Do(func() { close(f.stop) })
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// PollFeed fetches the newest closed bar from a quote function on a
// fixed interval; fallback for venues without a stream.
type PollFeed struct {
	Quote    func(ctx context.Context) (Bar, error)
	Interval time.Duration

	lastTs int64
}

func (f *PollFeed) Next(ctx context.Context) (Bar, error) {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Bar{}, ctx.Err()
		case <-ticker.C:
			b, err := f.Quote(ctx)
			if err != nil {
				return Bar{}, err
			}
			if b.Timestamp <= f.lastTs {
				continue // not a new bar yet
			}
			f.lastTs = b.Timestamp
			return b, nil
		}
	}
}

func (f *PollFeed) Close() error { return nil }
