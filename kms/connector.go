package kms

import (
	"bytes"
	"fmt"

	"github.com/NeowayLabs/kmspipe/edid"
	"github.com/NeowayLabs/kmspipe/mode"
)

// ConnectorProperty indexes the properties of a connector.
type ConnectorProperty int

const (
	ConnectorCrtcID ConnectorProperty = iota
	ConnectorNonDesktop
	ConnectorDpms
	ConnectorEdid
	ConnectorOverscan
	ConnectorVrrCapable
	ConnectorUnderscan
	ConnectorUnderscanVBorder
	ConnectorUnderscanHBorder
	ConnectorBroadcastRGB
	ConnectorTile
)

// Variants of the DPMS property.
const (
	DpmsOn = iota
	DpmsStandby
	DpmsSuspend
	DpmsOff
)

// Variants of the underscan property.
const (
	UnderscanOff = iota
	UnderscanOn
	UnderscanAuto
)

// RgbRange is a variant of the Broadcast RGB property.
type RgbRange int

const (
	RgbRangeAutomatic RgbRange = iota
	RgbRangeFull
	RgbRangeLimited
)

func (r RgbRange) String() string {
	switch r {
	case RgbRangeFull:
		return "full"
	case RgbRangeLimited:
		return "limited"
	}
	return "automatic"
}

var connectorProperties = []PropertyDefinition{
	ConnectorCrtcID:     {Name: "CRTC_ID", Requirement: Required},
	ConnectorNonDesktop: {Name: "non-desktop", Requirement: Optional},
	ConnectorDpms: {Name: "DPMS", Requirement: RequiredForLegacy,
		EnumNames: []string{"On", "Standby", "Suspend", "Off"}},
	ConnectorEdid:       {Name: "EDID", Requirement: Optional},
	ConnectorOverscan:   {Name: "overscan", Requirement: Optional},
	ConnectorVrrCapable: {Name: "vrr_capable", Requirement: Optional},
	ConnectorUnderscan: {Name: "underscan", Requirement: Optional,
		EnumNames: []string{"off", "on", "auto"}},
	ConnectorUnderscanVBorder: {Name: "underscan vborder", Requirement: Optional},
	ConnectorUnderscanHBorder: {Name: "underscan hborder", Requirement: Optional},
	ConnectorBroadcastRGB: {Name: "Broadcast RGB", Requirement: Optional,
		EnumNames: []string{"Automatic", "Full", "Limited 16:235"}},
	ConnectorTile: {Name: "TILE", Requirement: Optional},
}

const maxUnderscanBorder = 128

type (
	// Mode is one entry of a connector's mode list.
	Mode struct {
		Index         int
		Info          mode.Info
		Width, Height uint32
		// RefreshRate in mHz.
		RefreshRate uint32
		Preferred   bool
	}

	// TilingInfo places a connector in a tiled display. GroupID is -1
	// for connectors that are not part of one.
	TilingInfo struct {
		GroupID               int
		Flags                 int
		NumTilesX, NumTilesY  int
		LocX, LocY            int
		TileWidth, TileHeight int
	}

	Connector struct {
		object

		typ, typeID   uint32
		name          string
		connection    uint8
		subpixel      uint8
		physicalSize  Size
		encoders      []uint32
		currentCrtcID uint32 // from the kernel encoder, for legacy mode
		edid          *edid.Edid
		tiling        TilingInfo

		modes []Mode

		modeIndex        int
		nextModeIndex    int
		pendingModeIndex int
	}
)

func newTilingInfo() TilingInfo {
	return TilingInfo{GroupID: -1, NumTilesX: 1, NumTilesY: 1}
}

func (t TilingInfo) IsTiled() bool {
	return t.GroupID >= 0
}

// parseTileBlob parses the TILE property, the kernel prints it as
// "group:flags:ntx:nty:locx:locy:tw:th".
func parseTileBlob(b []byte) (TilingInfo, error) {
	t := newTilingInfo()
	b = bytes.TrimRight(b, "\x00")
	_, err := fmt.Sscanf(string(b), "%d:%d:%d:%d:%d:%d:%d:%d",
		&t.GroupID, &t.Flags, &t.NumTilesX, &t.NumTilesY,
		&t.LocX, &t.LocY, &t.TileWidth, &t.TileHeight)
	if err != nil {
		return newTilingInfo(), fmt.Errorf("parse TILE blob %q: %w", b, err)
	}
	if t.NumTilesX < 1 || t.NumTilesY < 1 {
		return newTilingInfo(), fmt.Errorf("parse TILE blob %q: bad tile count", b)
	}
	return t, nil
}

func tilingFromEdid(e *edid.Edid) TilingInfo {
	if e == nil || e.Tile == nil {
		return newTilingInfo()
	}
	return TilingInfo{
		GroupID:    e.Tile.GroupID,
		Flags:      e.Tile.Flags,
		NumTilesX:  e.Tile.NumTilesX,
		NumTilesY:  e.Tile.NumTilesY,
		LocX:       e.Tile.LocX,
		LocY:       e.Tile.LocY,
		TileWidth:  e.Tile.TileWidth,
		TileHeight: e.Tile.TileHeight,
	}
}

func newConnector(gpu *Gpu, id uint32) (*Connector, error) {
	kc, err := gpu.card.Connector(id)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		object: newObject(gpu, id, mode.ObjectConnector, connectorProperties),
		typ:    kc.Type,
		typeID: kc.TypeID,
		name:   mode.ConnectorName(kc.Type, kc.TypeID),
		tiling: newTilingInfo(),
	}
	c.log = c.log.With().Str("connector", c.name).Logger()
	if err := c.object.UpdateProperties(); err != nil {
		return nil, err
	}
	c.updateFromKernel(kc)
	if len(c.modes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoModes, c.name)
	}

	if p := c.property(int(ConnectorDpms)); p != nil {
		p.setLegacy()
	}

	underscan := c.property(int(ConnectorUnderscan))
	vborder := c.property(int(ConnectorUnderscanVBorder))
	hborder := c.property(int(ConnectorUnderscanHBorder))
	if underscan != nil && vborder != nil && hborder != nil {
		variant := UnderscanOff
		if vborder.Current() > 0 {
			variant = UnderscanOn
		}
		if v, ok := underscan.enumValue(variant); ok && v != underscan.Current() {
			underscan.SetEnum(variant)
		}
	} else {
		c.deleteProperty(int(ConnectorUnderscan))
		c.deleteProperty(int(ConnectorUnderscanVBorder))
		c.deleteProperty(int(ConnectorUnderscanHBorder))
	}

	if p := c.property(int(ConnectorEdid)); p != nil && p.Current() != 0 {
		blob, err := p.Blob()
		if err == nil {
			c.edid, err = edid.Parse(blob)
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("could not read EDID")
			c.edid = nil
		}
	}
	if c.edid != nil && c.edid.WidthMM > 0 && c.edid.HeightMM > 0 {
		c.physicalSize = Size{c.edid.WidthMM, c.edid.HeightMM}
	} else {
		c.physicalSize = Size{kc.Width, kc.Height}
	}

	c.tiling = tilingFromEdid(c.edid)
	if p := c.property(int(ConnectorTile)); p != nil && p.Current() != 0 {
		blob, err := p.Blob()
		if err == nil {
			var t TilingInfo
			if t, err = parseTileBlob(blob); err == nil {
				c.tiling = t
			}
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("could not read TILE property")
		}
	}
	return c, nil
}

func (c *Connector) updateFromKernel(kc *mode.Connector) {
	c.connection = kc.Connection
	c.subpixel = kc.Subpixel
	c.encoders = append([]uint32(nil), kc.Encoders...)
	c.currentCrtcID = 0
	if kc.EncoderID != 0 {
		if enc, err := c.gpu.card.Encoder(kc.EncoderID); err == nil {
			c.currentCrtcID = enc.CrtcID
		}
	}

	if sameModes(c.modes, kc.Modes) {
		return
	}
	c.modes = c.modes[:0]
	for i, m := range kc.Modes {
		w, h := m.Size()
		c.modes = append(c.modes, Mode{
			Index:       i,
			Info:        m,
			Width:       uint32(w),
			Height:      uint32(h),
			RefreshRate: m.RefreshRate(),
			Preferred:   m.Type&mode.ModeTypePreferred != 0,
		})
	}
	if c.pendingModeIndex >= len(c.modes) {
		c.modeIndex, c.nextModeIndex, c.pendingModeIndex = 0, 0, 0
	}
}

func sameModes(a []Mode, b []mode.Info) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !mode.SameTiming(&a[i].Info, &b[i]) {
			return false
		}
	}
	return true
}

// Property returns the property or nil when the kernel lacks it.
func (c *Connector) Property(idx ConnectorProperty) *Property {
	return c.property(int(idx))
}

// UpdateProperties refreshes the properties along with the connection
// state and the mode list.
func (c *Connector) UpdateProperties() error {
	if err := c.object.UpdateProperties(); err != nil {
		return err
	}
	kc, err := c.gpu.card.Connector(c.id)
	if err != nil {
		return err
	}
	c.updateFromKernel(kc)
	return nil
}

// NeedsModeset reports a change of the CRTC driving the connector.
func (c *Connector) NeedsModeset() bool {
	return c.needsCommit(int(ConnectorCrtcID))
}

func (c *Connector) CommitPending() {
	c.object.CommitPending()
	c.nextModeIndex = c.pendingModeIndex
}

func (c *Connector) RollbackPending() {
	c.object.RollbackPending()
	c.pendingModeIndex = c.modeIndex
}

func (c *Connector) Commit() {
	c.object.Commit()
	c.modeIndex = c.nextModeIndex
}

// commitModeIndex makes the pending mode the current one, used by the
// legacy path where modes are set without atomic commits.
func (c *Connector) commitModeIndex() {
	c.modeIndex = c.pendingModeIndex
	c.nextModeIndex = c.pendingModeIndex
}

// Name returns the conventional name, e.g. "DP-1".
func (c *Connector) Name() string {
	return c.name
}

// ModelName is the monitor name from the EDID, or the connector name.
func (c *Connector) ModelName() string {
	if c.edid != nil && c.edid.MonitorName != "" {
		return c.edid.MonitorName
	}
	return c.name
}

func (c *Connector) Edid() *edid.Edid {
	return c.edid
}

func (c *Connector) IsInternal() bool {
	return mode.IsInternal(c.typ)
}

func (c *Connector) IsConnected() bool {
	return c.connection == mode.Connected
}

func (c *Connector) IsNonDesktop() bool {
	p := c.Property(ConnectorNonDesktop)
	return p != nil && p.Current() != 0
}

func (c *Connector) VrrCapable() bool {
	p := c.Property(ConnectorVrrCapable)
	return p != nil && p.Current() != 0
}

// PhysicalSize in millimeters.
func (c *Connector) PhysicalSize() Size {
	return c.physicalSize
}

func (c *Connector) Subpixel() uint8 {
	return c.subpixel
}

func (c *Connector) Encoders() []uint32 {
	return c.encoders
}

// CurrentCrtcID returns the CRTC the kernel drives the connector with,
// 0 if none.
func (c *Connector) CurrentCrtcID() uint32 {
	if p := c.Property(ConnectorCrtcID); p != nil {
		return uint32(p.Current())
	}
	return c.currentCrtcID
}

func (c *Connector) Modes() []Mode {
	return c.modes
}

// ModeList returns the modes with the size of the whole tiled display.
func (c *Connector) ModeList() []Mode {
	ret := make([]Mode, len(c.modes))
	for i, m := range c.modes {
		ret[i] = m
		ret[i].Width, ret[i].Height = c.TotalModeSize(i).Width, c.TotalModeSize(i).Height
	}
	return ret
}

// ModeIndex is the index of the mode the connector will use.
func (c *Connector) ModeIndex() int {
	return c.pendingModeIndex
}

func (c *Connector) CurrentMode() Mode {
	return c.modes[c.pendingModeIndex]
}

func (c *Connector) SetModeIndex(index int) {
	c.pendingModeIndex = index
}

// FindCurrentMode selects the mode with the same timing as m, or the
// first mode when none matches.
func (c *Connector) FindCurrentMode(m mode.Info) {
	index := 0
	for i := range c.modes {
		if mode.SameTiming(&c.modes[i].Info, &m) {
			index = i
			break
		}
	}
	c.modeIndex, c.nextModeIndex, c.pendingModeIndex = index, index, index
}

func (c *Connector) TilingInfo() TilingInfo {
	return c.tiling
}

func (c *Connector) IsTiled() bool {
	return c.tiling.IsTiled()
}

// TotalModeSize is the size of mode index over all tiles.
func (c *Connector) TotalModeSize(index int) Size {
	m := c.modes[index]
	return Size{
		Width:  m.Width * uint32(c.tiling.NumTilesX),
		Height: m.Height * uint32(c.tiling.NumTilesY),
	}
}

// TilePos is where this connector's tile starts in the composed image.
func (c *Connector) TilePos() Point {
	m := c.CurrentMode()
	return Point{
		X: int32(m.Width) * int32(c.tiling.LocX),
		Y: int32(m.Height) * int32(c.tiling.LocY),
	}
}

func (c *Connector) HasOverscan() bool {
	return c.Property(ConnectorOverscan) != nil || c.Property(ConnectorUnderscan) != nil
}

// Overscan returns the staged overscan, in percent for the overscan
// property and in pixels of vertical border for underscan.
func (c *Connector) Overscan() uint32 {
	if p := c.Property(ConnectorOverscan); p != nil {
		return uint32(p.Pending())
	}
	if p := c.Property(ConnectorUnderscanVBorder); p != nil {
		return uint32(p.Pending())
	}
	return 0
}

// SetOverscan stages overscan for a mode of size modeSize. Without the
// overscan property it falls back to the underscan borders, scaling the
// horizontal one by the aspect ratio. Connectors with neither are left
// alone.
func (c *Connector) SetOverscan(overscan uint32, modeSize Size) {
	if p := c.Property(ConnectorOverscan); p != nil {
		p.SetPending(uint64(overscan))
		return
	}
	underscan := c.Property(ConnectorUnderscan)
	if underscan == nil || modeSize.Height == 0 {
		return
	}
	aspect := float64(modeSize.Width) / float64(modeSize.Height)
	if overscan > 0 {
		underscan.SetEnum(UnderscanOn)
	} else {
		underscan.SetEnum(UnderscanOff)
	}
	hborder := uint32(float64(overscan) * aspect)
	if hborder > maxUnderscanBorder {
		hborder = maxUnderscanBorder
		overscan = uint32(maxUnderscanBorder / aspect)
	}
	c.setPending(int(ConnectorUnderscanVBorder), uint64(overscan))
	c.setPending(int(ConnectorUnderscanHBorder), uint64(hborder))
}

func (c *Connector) HasRgbRange() bool {
	p := c.Property(ConnectorBroadcastRGB)
	return p != nil
}

func (c *Connector) RgbRange() RgbRange {
	p := c.Property(ConnectorBroadcastRGB)
	if p == nil {
		return RgbRangeAutomatic
	}
	v, ok := p.EnumForValue(p.Pending())
	if !ok {
		return RgbRangeAutomatic
	}
	return RgbRange(v)
}
