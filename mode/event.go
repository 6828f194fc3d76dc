package mode

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Event types delivered through read(2) on the card.
const (
	EventVBlank         = 0x01
	EventFlipComplete   = 0x02
	EventCrtcSequence   = 0x03
	eventHeaderLen      = 8
	eventVBlankLen      = 32
	eventReadBufferSize = 1024
)

// Event is a decoded struct drm_event_vblank.
type Event struct {
	Type     uint32
	UserData uint64
	Sequence uint32
	CrtcID   uint32
	Time     time.Duration // since the epoch of the presentation clock
}

// ParseEvents decodes the events contained in one read from the card.
// Unknown event types are skipped.
func ParseEvents(buf []byte) ([]Event, error) {
	var events []Event
	ne := binary.NativeEndian
	for len(buf) > 0 {
		if len(buf) < eventHeaderLen {
			return events, fmt.Errorf("short drm event header: %d bytes", len(buf))
		}
		typ := ne.Uint32(buf[0:])
		length := ne.Uint32(buf[4:])
		if length < eventHeaderLen || int(length) > len(buf) {
			return events, fmt.Errorf("bad drm event length %d", length)
		}
		if (typ == EventVBlank || typ == EventFlipComplete) && length >= eventVBlankLen {
			sec := ne.Uint32(buf[16:])
			usec := ne.Uint32(buf[20:])
			events = append(events, Event{
				Type:     typ,
				UserData: ne.Uint64(buf[8:]),
				Time:     time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
				Sequence: ne.Uint32(buf[24:]),
				CrtcID:   ne.Uint32(buf[28:]),
			})
		}
		buf = buf[length:]
	}
	return events, nil
}

// ReadEvents performs one read on the card and decodes the events in
// it. It blocks unless the descriptor is readable.
func ReadEvents(r io.Reader) ([]Event, error) {
	buf := make([]byte, eventReadBufferSize)
	n, err := r.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read drm events: %w", err)
	}
	return ParseEvents(buf[:n])
}
