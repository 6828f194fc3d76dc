package mode

import "fmt"

// Object types, as passed to the object property ioctls.
const (
	ObjectCrtc      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xe0e0e0e0
	ObjectMode      = 0xdededede
	ObjectProperty  = 0xb0b0b0b0
	ObjectFB        = 0xfbfbfbfb
	ObjectBlob      = 0xbbbbbbbb
	ObjectPlane     = 0xeeeeeeee
)

// Page flip and atomic commit flags.
const (
	PageFlipEvent      = 0x01
	PageFlipAsync      = 0x02
	AtomicTestOnly     = 0x0100
	AtomicNonblock     = 0x0200
	AtomicAllowModeset = 0x0400

	PageFlipFlags = PageFlipEvent | PageFlipAsync
	AtomicFlags   = PageFlipFlags | AtomicTestOnly | AtomicNonblock | AtomicAllowModeset
)

const (
	FBModifiers = 0x02

	CursorBO   = 0x01
	CursorMove = 0x02

	ModeFlagInterlace = 1 << 4
	ModeFlagDblScan   = 1 << 5

	ModeTypePreferred = 1 << 3
	ModeTypeUserdef   = 1 << 5
	ModeTypeDriver    = 1 << 6
)

const (
	DpmsOn      = 0
	DpmsStandby = 1
	DpmsSuspend = 2
	DpmsOff     = 3
)

// Subpixel layouts, already shifted to the userspace numbering
// GetConnector reports.
const (
	SubpixelUnknown       = 1
	SubpixelHorizontalRGB = 2
	SubpixelHorizontalBGR = 3
	SubpixelVerticalRGB   = 4
	SubpixelVerticalBGR   = 5
	SubpixelNone          = 6
)

// Property flags from struct drm_mode_get_property.
const (
	PropPending   = 1 << 0
	PropRange     = 1 << 1
	PropImmutable = 1 << 2
	PropEnum      = 1 << 3
	PropBlob      = 1 << 4
	PropBitmask   = 1 << 5

	PropExtendedType = 0x0000ffc0
	PropObject       = 1 << 6
	PropSignedRange  = 2 << 6

	PropAtomic = 0x80000000
)

// Plane types as reported by the "type" property.
const (
	PlaneTypeOverlay = 0
	PlaneTypePrimary = 1
	PlaneTypeCursor  = 2
)

// Connector types.
const (
	ConnectorUnknown     = 0
	ConnectorVGA         = 1
	ConnectorDVII        = 2
	ConnectorDVID        = 3
	ConnectorDVIA        = 4
	ConnectorComposite   = 5
	ConnectorSVIDEO      = 6
	ConnectorLVDS        = 7
	ConnectorComponent   = 8
	Connector9PinDIN     = 9
	ConnectorDisplayPort = 10
	ConnectorHDMIA       = 11
	ConnectorHDMIB       = 12
	ConnectorTV          = 13
	ConnectorEDP         = 14
	ConnectorVirtual     = 15
	ConnectorDSI         = 16
	ConnectorDPI         = 17
	ConnectorWriteback   = 18
	ConnectorSPI         = 19
	ConnectorUSB         = 20
)

var connectorNames = map[uint32]string{
	ConnectorUnknown:     "Unknown",
	ConnectorVGA:         "VGA",
	ConnectorDVII:        "DVI-I",
	ConnectorDVID:        "DVI-D",
	ConnectorDVIA:        "DVI-A",
	ConnectorComposite:   "Composite",
	ConnectorSVIDEO:      "SVIDEO",
	ConnectorLVDS:        "LVDS",
	ConnectorComponent:   "Component",
	Connector9PinDIN:     "DIN",
	ConnectorDisplayPort: "DP",
	ConnectorHDMIA:       "HDMI-A",
	ConnectorHDMIB:       "HDMI-B",
	ConnectorTV:          "TV",
	ConnectorEDP:         "eDP",
	ConnectorVirtual:     "Virtual",
	ConnectorDSI:         "DSI",
	ConnectorDPI:         "DPI",
	ConnectorWriteback:   "Writeback",
	ConnectorSPI:         "SPI",
	ConnectorUSB:         "USB",
}

// ConnectorName returns the conventional name of a connector,
// e.g. "HDMI-A-1".
func ConnectorName(typ, typeID uint32) string {
	name, ok := connectorNames[typ]
	if !ok {
		name = "Unknown"
	}
	return fmt.Sprintf("%s-%d", name, typeID)
}

// IsInternal reports whether the connector type drives a built-in panel.
func IsInternal(typ uint32) bool {
	return typ == ConnectorLVDS || typ == ConnectorEDP || typ == ConnectorDSI
}

// Pixel formats (drm_fourcc.h) used by the scanout paths.
var (
	FormatXRGB8888 = FourCC('X', 'R', '2', '4')
	FormatARGB8888 = FourCC('A', 'R', '2', '4')
	FormatXBGR8888 = FourCC('X', 'B', '2', '4')
	FormatABGR8888 = FourCC('A', 'B', '2', '4')
	FormatRGB565   = FourCC('R', 'G', '1', '6')
)

const (
	FormatModLinear  uint64 = 0
	FormatModInvalid uint64 = 0x00ffffffffffffff
)

// FourCC packs four characters into a DRM format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// FourCCString renders a format code, e.g. "XR24".
func FourCCString(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}
