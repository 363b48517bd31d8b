package radio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"roamer/internal/domain"
)

const wsReadLimit = 1 << 20

// WSConfig configures a bridge connection.
type WSConfig struct {
	URL         string
	DialTimeout time.Duration
	EventBuffer int
}

// wsSession is one websocket connection. A new session is created by every
// Open so a dropped bridge can be re-opened.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Frame

	events    chan domain.RadioEvent
	lost      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) close(code websocket.StatusCode, reason string) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.conn.Close(code, reason)
}

// WSDriver talks to an access-point bridge daemon over a websocket. The
// bridge owns the radio and relays commands and events as JSON frames.
type WSDriver struct {
	cfg    WSConfig
	logger *slog.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	session *wsSession
}

var _ Driver = (*WSDriver)(nil)

// NewWSDriver creates a driver for the bridge at cfg.URL.
func NewWSDriver(cfg WSConfig, logger *slog.Logger) *WSDriver {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &WSDriver{cfg: cfg, logger: logger.With("bridge", cfg.URL)}
}

// Open dials the bridge and starts the read loop. The returned channel is
// closed when the connection is lost.
func (d *WSDriver) Open(ctx context.Context) (<-chan domain.RadioEvent, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", d.cfg.URL, err)
	}
	conn.SetReadLimit(wsReadLimit)

	s := &wsSession{
		conn:    conn,
		pending: make(map[uint64]chan Frame),
		events:  make(chan domain.RadioEvent, d.cfg.EventBuffer),
		lost:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	d.mu.Lock()
	old := d.session
	d.session = s
	d.mu.Unlock()
	if old != nil {
		_ = old.close(websocket.StatusGoingAway, "replaced")
	}

	go d.readLoop(s)
	d.logger.Info("bridge connected")
	return s.events, nil
}

// Close ends the current session.
func (d *WSDriver) Close() error {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close(websocket.StatusNormalClosure, "")
}

func (d *WSDriver) readLoop(s *wsSession) {
	defer func() {
		d.mu.Lock()
		if d.session == s {
			d.session = nil
		}
		d.mu.Unlock()
		close(s.lost)
		close(s.events)
	}()
	for {
		var f Frame
		if err := wsjson.Read(context.Background(), s.conn, &f); err != nil {
			d.logger.Debug("bridge read ended", "error", err)
			return
		}

		if f.Event != "" {
			ev, err := DecodeEvent(f)
			if err != nil {
				d.logger.Warn("dropping bridge event", "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		delete(s.pending, f.ID)
		s.mu.Unlock()
		if !ok {
			d.logger.Debug("response for unknown request", "id", f.ID)
			continue
		}
		ch <- f
	}
}

func (d *WSDriver) current() (*wsSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, fmt.Errorf("bridge %s: %w", d.cfg.URL, domain.ErrUnavailable)
	}
	return d.session, nil
}

// call sends one request and waits for its response. result may be nil.
func (d *WSDriver) call(ctx context.Context, op string, args, result any) error {
	s, err := d.current()
	if err != nil {
		return err
	}

	req := Frame{ID: d.nextID.Add(1), Op: op}
	if args != nil {
		if req.Args, err = json.Marshal(args); err != nil {
			return fmt.Errorf("marshal %s args: %w", op, err)
		}
	}

	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err = wsjson.Write(ctx, s.conn, req)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrUnavailable)
	}

	select {
	case resp := <-ch:
		if err := responseError(resp); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", op, err)
			}
		}
		return nil
	case <-s.lost:
		return fmt.Errorf("%s: connection lost: %w", op, domain.ErrUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *WSDriver) Configure(ctx context.Context, id Identity) error {
	return d.call(ctx, OpConfigure, configureArgs{Address: id.Address, Random: id.Kind == domain.AddressRandom}, nil)
}

func (d *WSDriver) StartScan(ctx context.Context) error {
	return d.call(ctx, OpStartScan, nil, nil)
}

func (d *WSDriver) StopScan(ctx context.Context) error {
	return d.call(ctx, OpStopScan, nil, nil)
}

func (d *WSDriver) OpenConnection(ctx context.Context, peer domain.PeerIdentity) (domain.ConnHandle, error) {
	var res handleArgs
	err := d.call(ctx, OpOpenConnection, peerArgs{Peer: peer}, &res)
	return res.Handle, err
}

func (d *WSDriver) CloseConnection(ctx context.Context, h domain.ConnHandle) error {
	return d.call(ctx, OpCloseConnection, handleArgs{Handle: h}, nil)
}

func (d *WSDriver) GetRSSI(ctx context.Context, h domain.ConnHandle) error {
	return d.call(ctx, OpGetRSSI, handleArgs{Handle: h}, nil)
}

func (d *WSDriver) ConnectionParams(ctx context.Context, h domain.ConnHandle) (domain.ConnParams, error) {
	var params domain.ConnParams
	err := d.call(ctx, OpConnectionParams, handleArgs{Handle: h}, &params)
	return params, err
}

func (d *WSDriver) StartAnalysis(ctx context.Context, params domain.ConnParams) (domain.AnalysisHandle, error) {
	var res sessionArgs
	err := d.call(ctx, OpStartAnalysis, params, &res)
	return res.Session, err
}

func (d *WSDriver) StopAnalysis(ctx context.Context, s domain.AnalysisHandle) error {
	return d.call(ctx, OpStopAnalysis, sessionArgs{Session: s}, nil)
}

func (d *WSDriver) SetBondingData(ctx context.Context, h domain.ConnHandle, t domain.MaterialType, data []byte) error {
	return d.call(ctx, OpSetBondingData, bondingArgs{Handle: h, Type: t, Data: data}, nil)
}

func (d *WSDriver) IncreaseSecurity(ctx context.Context, h domain.ConnHandle) error {
	return d.call(ctx, OpIncreaseSecurity, handleArgs{Handle: h}, nil)
}

func (d *WSDriver) DiscoverService(ctx context.Context, h domain.ConnHandle, uuid []byte) error {
	return d.call(ctx, OpDiscoverService, serviceArgs{Handle: h, UUID: uuid}, nil)
}

func (d *WSDriver) DiscoverCharacteristic(ctx context.Context, h domain.ConnHandle, service uint32, uuid []byte) error {
	return d.call(ctx, OpDiscoverCharacteristic, characteristicArgs{Handle: h, Service: service, UUID: uuid}, nil)
}

func (d *WSDriver) EnableNotifications(ctx context.Context, h domain.ConnHandle, characteristic uint16) error {
	return d.call(ctx, OpEnableNotifications, notifyArgs{Handle: h, Characteristic: characteristic}, nil)
}
