// Package edid decodes the parts of an EDID blob a display pipeline
// cares about: the physical size, the monitor identity and, from the
// DisplayID extension, the tiled display topology.
package edid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	blockLen = 128

	descriptorMonitorName = 0xfc
	descriptorSerial      = 0xff

	extensionDisplayID = 0x70

	displayIDTiledBlock   = 0x12
	displayIDTiledBlockV2 = 0x28
	tiledBlockLen         = 21

	// TileSingleMonitor is set in Tile.Flags when all tiles are
	// housed in a single physical enclosure.
	TileSingleMonitor = 0x80
)

var (
	header = []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

	ErrTooShort      = errors.New("edid: blob shorter than one block")
	ErrInvalidHeader = errors.New("edid: invalid header")
	ErrChecksum      = errors.New("edid: checksum mismatch")
)

type (
	// Edid holds the decoded fields of an EDID blob.
	Edid struct {
		// WidthMM and HeightMM are zero when the monitor does not
		// report a physical size (projectors).
		WidthMM, HeightMM uint32

		EisaID      string
		ProductCode uint16
		MonitorName string
		Serial      string

		// Tile is nil unless a DisplayID tiled display block is
		// present.
		Tile *Tile

		raw []byte
	}

	// Tile is the topology of a tiled display as seen from one of
	// its connectors. Sizes are in pixels, locations in tiles.
	Tile struct {
		GroupID    int
		Flags      int
		NumTilesX  int
		NumTilesY  int
		LocX       int
		LocY       int
		TileWidth  int
		TileHeight int
	}
)

// Parse decodes an EDID blob. The base block must carry a valid
// header and checksum; extension blocks with a bad checksum are
// ignored.
func Parse(b []byte) (*Edid, error) {
	if len(b) < blockLen {
		return nil, ErrTooShort
	}
	if !bytes.Equal(b[:len(header)], header) {
		return nil, ErrInvalidHeader
	}
	if !checksumOK(b[:blockLen]) {
		return nil, ErrChecksum
	}

	e := &Edid{raw: append([]byte(nil), b...)}
	e.EisaID = eisaID(binary.BigEndian.Uint16(b[8:]))
	e.ProductCode = binary.LittleEndian.Uint16(b[10:])
	if b[21] != 0 && b[22] != 0 {
		e.WidthMM = uint32(b[21]) * 10
		e.HeightMM = uint32(b[22]) * 10
	}

	for off := 54; off+18 <= 126; off += 18 {
		d := b[off : off+18]
		// display descriptors start with a zero pixel clock
		if d[0] != 0 || d[1] != 0 {
			continue
		}
		switch d[3] {
		case descriptorMonitorName:
			e.MonitorName = descriptorText(d[5:])
		case descriptorSerial:
			e.Serial = descriptorText(d[5:])
		}
	}
	if e.Serial == "" {
		if sn := binary.LittleEndian.Uint32(b[12:]); sn != 0 {
			e.Serial = fmt.Sprintf("%d", sn)
		}
	}

	extensions := int(b[126])
	for i := 1; i <= extensions; i++ {
		start := i * blockLen
		if start+blockLen > len(b) {
			break
		}
		ext := b[start : start+blockLen]
		if ext[0] != extensionDisplayID || !checksumOK(ext) {
			continue
		}
		if t := parseDisplayID(ext[1:]); t != nil {
			e.Tile = t
		}
	}
	return e, nil
}

// Raw returns the blob the Edid was parsed from.
func (e *Edid) Raw() []byte {
	return e.raw
}

// NameString identifies the monitor for humans, preferring the
// monitor name descriptor over the EISA id.
func (e *Edid) NameString() string {
	if e.MonitorName != "" {
		return e.MonitorName
	}
	if e.EisaID != "" {
		return fmt.Sprintf("%s %04x", e.EisaID, e.ProductCode)
	}
	return "unknown"
}

func checksumOK(block []byte) bool {
	var sum byte
	for _, c := range block {
		sum += c
	}
	return sum == 0
}

func eisaID(v uint16) string {
	letters := []byte{
		byte('A' - 1 + (v>>10)&0x1f),
		byte('A' - 1 + (v>>5)&0x1f),
		byte('A' - 1 + v&0x1f),
	}
	for _, l := range letters {
		if l < 'A' || l > 'Z' {
			return ""
		}
	}
	return string(letters)
}

func descriptorText(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimRight(b, " \x00"))
}

// parseDisplayID walks the data blocks of a DisplayID section and
// returns the tiled display topology if one is described.
func parseDisplayID(section []byte) *Tile {
	if len(section) < 4 {
		return nil
	}
	length := int(section[1])
	data := section[4:]
	if length < len(data) {
		data = data[:length]
	}
	for len(data) >= 3 {
		tag, payloadLen := data[0], int(data[2])
		if 3+payloadLen > len(data) {
			return nil
		}
		payload := data[3 : 3+payloadLen]
		if (tag == displayIDTiledBlock || tag == displayIDTiledBlockV2) && payloadLen >= tiledBlockLen {
			return parseTiledBlock(payload)
		}
		data = data[3+payloadLen:]
	}
	return nil
}

func parseTiledBlock(p []byte) *Tile {
	tileCap := p[0]
	topo := p[1:4]
	size := p[4:8]
	topologyID := p[13:21]

	numV := int(topo[0]&0xf) | int(topo[2]&0x30)
	numH := int(topo[0]>>4) | int((topo[2]>>2)&0x30)
	locV := int(topo[1]&0xf) | int(topo[2]&0x3)<<4
	locH := int(topo[1]>>4) | int((topo[2]>>2)&0x3)<<4

	return &Tile{
		GroupID:    int(crc32.ChecksumIEEE(topologyID) & 0x7fffffff),
		Flags:      int(tileCap & TileSingleMonitor),
		NumTilesX:  numH + 1,
		NumTilesY:  numV + 1,
		LocX:       locH,
		LocY:       locV,
		TileWidth:  int(binary.LittleEndian.Uint16(size[0:])) + 1,
		TileHeight: int(binary.LittleEndian.Uint16(size[2:])) + 1,
	}
}
