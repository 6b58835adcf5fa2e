package media

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// AudioLevelURI is the RTP header extension carrying per-packet audio levels.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// RTPReader is satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// LevelMeter tracks the most recent audio level of an inbound track from the
// ssrc-audio-level header extension. Levels are reported in [0, 1], where 1
// is full scale and 0 is silence.
type LevelMeter struct {
	extID uint8
	level atomic.Uint64 // math.Float64bits
}

func NewLevelMeter(extID uint8) *LevelMeter {
	return &LevelMeter{extID: extID}
}

// Level returns the latest observed level.
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Observe updates the level from one packet. Packets without the extension
// are ignored.
func (m *LevelMeter) Observe(pkt *rtp.Packet) {
	payload := pkt.GetExtension(m.extID)
	if payload == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(payload); err != nil {
		return
	}
	// Level is -dBov in [0, 127]
	m.level.Store(math.Float64bits(1 - float64(ext.Level)/127))
}

// Consume reads packets from r until it fails or ctx is done.
func (m *LevelMeter) Consume(ctx context.Context, r RTPReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, _, err := r.ReadRTP()
		if err != nil {
			return err
		}
		m.Observe(pkt)
	}
}

// Sample calls report with the current level every interval until ctx is done.
func (m *LevelMeter) Sample(ctx context.Context, interval time.Duration, report func(float64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(m.Level())
		}
	}
}
