// Package payload holds the application hooks that interpret notification
// values of subscribed peers.
package payload

import (
	"log/slog"
	"sync"

	"roamer/internal/domain"
)

// Heart rate measurement flags (first byte of the value).
const (
	flagUINT16 = 0x01
)

// HeartRateLogger logs heart rate measurements and keeps the latest value
// per peer.
type HeartRateLogger struct {
	logger *slog.Logger

	mu     sync.Mutex
	latest map[string]int
}

var _ domain.PayloadHook = (*HeartRateLogger)(nil)

// NewHeartRateLogger creates the hook.
func NewHeartRateLogger(logger *slog.Logger) *HeartRateLogger {
	return &HeartRateLogger{logger: logger, latest: make(map[string]int)}
}

func (h *HeartRateLogger) OnSubscribed(peer domain.PeerIdentity) {
	h.logger.Info("heart rate notifications enabled", "peer", peer.Key())
}

func (h *HeartRateLogger) OnNotification(peer domain.PeerIdentity, value []byte) {
	bpm, ok := DecodeHeartRate(value)
	if !ok {
		h.logger.Warn("malformed heart rate measurement", "peer", peer.Key(), "bytes", len(value))
		return
	}
	h.mu.Lock()
	h.latest[peer.Key()] = bpm
	h.mu.Unlock()
	h.logger.Info("heart rate", "peer", peer.Key(), "bpm", bpm)
}

// Latest returns the last measurement received from peer.
func (h *HeartRateLogger) Latest(peer domain.PeerIdentity) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.latest[peer.Key()]
	return v, ok
}

// DecodeHeartRate extracts beats per minute from a heart rate measurement.
// The value is one byte after the flags unless the flags mark it as 16 bit.
func DecodeHeartRate(value []byte) (int, bool) {
	if len(value) < 2 {
		return 0, false
	}
	if value[0]&flagUINT16 != 0 {
		if len(value) < 3 {
			return 0, false
		}
		return int(value[1]) | int(value[2])<<8, true
	}
	return int(value[1]), true
}
