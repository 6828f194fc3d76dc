package mode

import (
	"fmt"
	"os"
)

type (
	// SavedCrtc is the state of a CRTC as it was found, kept to hand
	// the display back on exit.
	SavedCrtc struct {
		Crtc       Crtc
		Connectors []uint32
	}
)

// SupportsCrtc reports whether the encoder can be driven by the CRTC
// at position pipeIndex in the resources' CRTC list.
func (e *Encoder) SupportsCrtc(pipeIndex int) bool {
	if pipeIndex < 0 || pipeIndex >= 32 {
		return false
	}
	return e.PossibleCrtcs&(1<<uint(pipeIndex)) != 0
}

// PossibleCrtcs lists the ids of the CRTCs that can drive the encoder.
func PossibleCrtcs(res *Resources, enc *Encoder) []uint32 {
	var ids []uint32
	for i, id := range res.Crtcs {
		if enc.SupportsCrtc(i) {
			ids = append(ids, id)
		}
	}
	return ids
}

// PreferredMode returns the mode the connector flags as preferred, or
// its first mode when none is.
func PreferredMode(conn *Connector) (Info, bool) {
	if len(conn.Modes) == 0 {
		return Info{}, false
	}
	for _, m := range conn.Modes {
		if m.Type&ModeTypePreferred != 0 {
			return m, true
		}
	}
	return conn.Modes[0], true
}

// SaveCrtc records the CRTC so that RestoreCrtc can program it back.
func SaveCrtc(file *os.File, crtcID uint32, connectors []uint32) (*SavedCrtc, error) {
	crtc, err := GetCrtc(file, crtcID)
	if err != nil {
		return nil, err
	}
	return &SavedCrtc{
		Crtc:       *crtc,
		Connectors: append([]uint32(nil), connectors...),
	}, nil
}

// RestoreCrtc programs a saved CRTC back, the way it was found.
func RestoreCrtc(file *os.File, saved *SavedCrtc) error {
	var m *Info
	if saved.Crtc.ModeValid != 0 {
		m = &saved.Crtc.Mode
	}
	connectors := saved.Connectors
	if m == nil || saved.Crtc.BufferID == 0 {
		m, connectors = nil, nil
	}
	err := SetCrtc(file, saved.Crtc.ID, saved.Crtc.BufferID,
		saved.Crtc.X, saved.Crtc.Y, connectors, m)
	if err != nil {
		return fmt.Errorf("restore crtc: %w", err)
	}
	return nil
}
