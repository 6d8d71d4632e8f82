package transports

import (
	"encoding/base64"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/voicewire-labs/voicewire/src/audio"
)

// Outbound carrier messages. Twilio expects every numeric field as a
// decimal string.
type outboundMedia struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber"`
	Media          outboundPayload `json:"media"`
	StreamSid      string          `json:"streamSid"`
}

type outboundPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type clearMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

type markMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// stopAudio cancels every pending frame timer for the session and
// tells the carrier to flush whatever it has already buffered. Safe
// to call at any time, including with nothing playing.
//
// The cancel and the clear happen under the session lock, the same
// lock frame timers send under, so a canceled frame can never slip
// out after the clear.
func (h *Handler) stopAudio(s *Session) {
	s.mu.Lock()
	pending := len(s.activeTimers)
	s.cancelTimersLocked()
	err := s.send(clearMessage{Event: "clear", StreamSid: s.StreamSid})
	s.mu.Unlock()

	if err != nil {
		h.log.Debug("clear send failed", zap.String("streamSid", s.StreamSid), zap.Error(err))
	}
	if pending > 0 {
		h.log.Debug("playback interrupted",
			zap.String("streamSid", s.StreamSid),
			zap.Int("canceledFrames", pending))
	}
}

// streamAudio slices a mu-law payload into 20ms frames and schedules
// each one on its own timer, paced at real time. Any playback already
// in flight is canceled first, one clear event ahead of the first new
// frame. Returns the number of frames scheduled.
func (h *Handler) streamAudio(s *Session, payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	h.stopAudio(s)

	s.mu.Lock()
	s.playGen++
	gen := s.playGen
	s.mu.Unlock()

	frames := 0
	for off := 0; off < len(payload); off += audio.FrameSize {
		end := off + audio.FrameSize
		if end > len(payload) {
			end = len(payload)
		}
		h.scheduleFrame(s, gen, frames, payload[off:end])
		frames++
	}

	// End-of-speech mark, right after the last frame would have
	// played out.
	eosDelay := time.Duration(frames) * audio.FrameDurationMs * time.Millisecond
	h.scheduleAt(s, gen, eosDelay, func() error {
		m := markMessage{Event: "mark", StreamSid: s.StreamSid}
		m.Mark.Name = "eos"
		return s.send(m)
	})

	h.log.Debug("playback scheduled",
		zap.String("streamSid", s.StreamSid),
		zap.Int("bytes", len(payload)),
		zap.Int("frames", frames))
	return frames
}

func (h *Handler) scheduleFrame(s *Session, gen uint64, index int, frame []byte) {
	delay := time.Duration(index) * audio.FrameDurationMs * time.Millisecond
	h.scheduleAt(s, gen, delay, func() error {
		seq := s.seq
		s.seq++
		s.outChunk++
		chunk := s.outChunk
		s.outFrames++
		ts := time.Since(s.t0).Milliseconds()

		msg := outboundMedia{
			Event:          "media",
			SequenceNumber: strconv.FormatUint(seq, 10),
			StreamSid:      s.StreamSid,
			Media: outboundPayload{
				Track:     "outbound",
				Chunk:     strconv.FormatUint(chunk, 10),
				Timestamp: strconv.FormatInt(ts, 10),
				Payload:   base64.StdEncoding.EncodeToString(frame),
			},
		}
		if err := s.send(msg); err != nil {
			return err
		}
		h.metrics.OutboundFrames.Inc()
		if h.cfg.LogTTSFrames {
			h.log.Debug("outbound frame",
				zap.String("streamSid", s.StreamSid),
				zap.Uint64("seq", seq),
				zap.Int64("timestampMs", ts))
		}
		return nil
	})
}

// scheduleAt arms one playback timer. fn runs under the session lock
// and only if the session is still registered and the playback
// generation has not moved on, so a barge-in or teardown between
// arming and firing turns the timer into a no-op and a stale frame
// can never be sent after the generation's clear.
func (h *Handler) scheduleAt(s *Session, gen uint64, delay time.Duration, fn func() error) {
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		live := h.get(s.StreamSid) != nil

		s.mu.Lock()
		if s.playGen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.activeTimers, t)
		var err error
		if live {
			err = fn()
		}
		s.mu.Unlock()

		if err != nil {
			h.log.Debug("scheduled send failed", zap.String("streamSid", s.StreamSid), zap.Error(err))
		}
	})

	s.mu.Lock()
	if s.playGen != gen {
		s.mu.Unlock()
		t.Stop()
		return
	}
	s.activeTimers[t] = struct{}{}
	s.mu.Unlock()
}
