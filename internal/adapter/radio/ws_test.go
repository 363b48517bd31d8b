package radio

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"roamer/internal/domain"
)

// fakeBridge answers bridge frames with a single open link per peer.
type fakeBridge struct {
	t *testing.T

	mu    sync.Mutex
	conns []*websocket.Conn
	ops   []string
	links map[domain.ConnHandle]bool
}

func newFakeBridge(t *testing.T) (*fakeBridge, string) {
	b := &fakeBridge{t: t, links: make(map[domain.ConnHandle]bool)}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	ctx := r.Context()
	var writeMu sync.Mutex
	send := func(f Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = wsjson.Write(ctx, conn, f)
	}
	emit := func(ev domain.RadioEvent) {
		f, err := EncodeEvent(ev)
		require.NoError(b.t, err)
		send(f)
	}

	emit(domain.Booted{Firmware: "bridge-test"})
	for {
		var req Frame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		b.mu.Lock()
		b.ops = append(b.ops, req.Op)
		b.mu.Unlock()

		resp := Frame{ID: req.ID, OK: true}
		switch req.Op {
		case OpOpenConnection:
			var args peerArgs
			_ = json.Unmarshal(req.Args, &args)
			b.mu.Lock()
			h := domain.ConnHandle(len(b.links) + 1)
			b.links[h] = true
			b.mu.Unlock()
			resp.Result, _ = json.Marshal(handleArgs{Handle: h})
			send(resp)
			emit(domain.Opened{Handle: h, Peer: args.Peer})
			continue
		case OpCloseConnection:
			var args handleArgs
			_ = json.Unmarshal(req.Args, &args)
			b.mu.Lock()
			known := b.links[args.Handle]
			delete(b.links, args.Handle)
			b.mu.Unlock()
			if !known {
				resp = Frame{ID: req.ID, Error: "no such link", Code: CodeStaleHandle}
				send(resp)
				continue
			}
			send(resp)
			emit(domain.Closed{Handle: args.Handle, Reason: 0x16, Local: true})
			continue
		case OpConnectionParams:
			resp.Result, _ = json.Marshal(domain.ConnParams{AccessAddress: 0xaf9a9c2b, ChannelMap: []byte{0xff, 0x1f}})
		case OpStartAnalysis:
			resp = Frame{ID: req.ID, Code: CodeAnalysisBusy, Error: "busy"}
		}
		send(resp)
	}
}

func (b *fakeBridge) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close(websocket.StatusGoingAway, "bridge restart")
	}
	b.conns = nil
	b.links = make(map[domain.ConnHandle]bool)
}

func (b *fakeBridge) sawOp(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.ops {
		if o == op {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func nextEvent(t *testing.T, events <-chan domain.RadioEvent) domain.RadioEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestWSDriverCommandsAndEvents(t *testing.T) {
	_, url := newFakeBridge(t)
	d := NewWSDriver(WSConfig{URL: url}, quietLogger())
	ctx := context.Background()

	events, err := d.Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	assert.Equal(t, domain.Booted{Firmware: "bridge-test"}, nextEvent(t, events))
	require.NoError(t, d.Configure(ctx, Identity{Address: "DE:AD:BE:EF:12:34"}))

	peer := domain.PeerIdentity{Address: "C0:FF:EE:00:00:01", Kind: domain.AddressRandom}
	h, err := d.OpenConnection(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnHandle(1), h)
	assert.Equal(t, domain.Opened{Handle: 1, Peer: peer}, nextEvent(t, events))

	params, err := d.ConnectionParams(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xaf9a9c2b), params.AccessAddress)
	assert.Equal(t, []byte{0xff, 0x1f}, params.ChannelMap)

	_, err = d.StartAnalysis(ctx, params)
	assert.ErrorIs(t, err, domain.ErrAnalysisBusy)

	require.NoError(t, d.CloseConnection(ctx, h))
	assert.Equal(t, domain.Closed{Handle: 1, Reason: 0x16, Local: true}, nextEvent(t, events))
	assert.ErrorIs(t, d.CloseConnection(ctx, h), domain.ErrStaleHandle)
}

func TestWSDriverLostConnection(t *testing.T) {
	b, url := newFakeBridge(t)
	d := NewWSDriver(WSConfig{URL: url}, quietLogger())

	events, err := d.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	nextEvent(t, events)

	b.dropAll()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	err = d.StartScan(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestWSDriverDialFailure(t *testing.T) {
	d := NewWSDriver(WSConfig{URL: "ws://127.0.0.1:1/", DialTimeout: 200 * time.Millisecond}, quietLogger())
	_, err := d.Open(context.Background())
	assert.Error(t, err)
	assert.ErrorIs(t, d.StartScan(context.Background()), domain.ErrUnavailable)
}

func TestEndpointReconnectsToBridge(t *testing.T) {
	b, url := newFakeBridge(t)
	rec := &capture{}
	ep := NewEndpoint(EndpointConfig{
		ID:               2,
		Capacity:         4,
		Identity:         Identity{Address: "DE:AD:BE:EF:12:34"},
		ConnectTimeout:   time.Second,
		ReconnectBackoff: 20 * time.Millisecond,
	}, NewWSDriver(WSConfig{URL: url}, quietLogger()), rec, quietLogger())
	require.NoError(t, ep.Start(context.Background()))
	t.Cleanup(func() { _ = ep.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ep.WaitReady(ctx))
	assert.True(t, b.sawOp(OpConfigure))

	peer := domain.PeerIdentity{Address: "C0:FF:EE:00:00:02"}
	_, err := ep.Connect(ctx, peer, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ep.ActiveCount())

	b.dropAll()
	require.Eventually(t, func() bool { return rec.count("closed") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, ep.ActiveCount())
	require.Eventually(t, func() bool { return rec.count("booted") == 2 && ep.State().Ready }, 2*time.Second, 10*time.Millisecond)
}

type capture struct {
	mu    sync.Mutex
	names []string
}

func (c *capture) Publish(_ domain.AccessPointID, ev domain.RadioEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, domain.EventName(ev))
	return true
}

func (c *capture) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.names {
		if s == name {
			n++
		}
	}
	return n
}

func TestDecodeEventUnknown(t *testing.T) {
	_, err := DecodeEvent(Frame{Event: "teleported"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	f, err := EncodeEvent(domain.Notification{Handle: 3, Characteristic: 0x12, Value: []byte{0, 72}})
	require.NoError(t, err)
	ev, err := DecodeEvent(f)
	require.NoError(t, err)
	assert.Equal(t, domain.Notification{Handle: 3, Characteristic: 0x12, Value: []byte{0, 72}}, ev)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeStaleHandle, ErrorCode(domain.NewDomainError("x", domain.ErrStaleHandle, "")))
	assert.Equal(t, CodeRejected, ErrorCode(io.EOF))
	assert.ErrorIs(t, responseError(Frame{Code: "weird"}), domain.ErrCommandRejected)
	assert.NoError(t, responseError(Frame{OK: true}))
}
