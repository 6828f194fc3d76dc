package kms

import (
	"strings"

	"github.com/NeowayLabs/kmspipe/buffer"
	"github.com/NeowayLabs/kmspipe/mode"
)

// PlaneProperty indexes the properties of a plane.
type PlaneProperty int

const (
	PlaneTypeProperty PlaneProperty = iota
	PlaneFbID
	PlaneCrtcID
	PlaneSrcX
	PlaneSrcY
	PlaneSrcW
	PlaneSrcH
	PlaneCrtcX
	PlaneCrtcY
	PlaneCrtcW
	PlaneCrtcH
	PlaneRotation
	PlaneInFormats
)

type PlaneType int

const (
	PlaneTypeOverlay PlaneType = iota
	PlaneTypePrimary
	PlaneTypeCursor
)

// Transformation is a set of rotation and reflection flags, in the
// order of the kernel's rotation property.
type Transformation uint32

const (
	Rotate0 Transformation = 1 << iota
	Rotate90
	Rotate180
	Rotate270
	ReflectX
	ReflectY
)

var transformationNames = []string{
	"rotate-0", "rotate-90", "rotate-180", "rotate-270", "reflect-x", "reflect-y",
}

func (t Transformation) String() string {
	var names []string
	for i, name := range transformationNames {
		if t&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseTransformation parses names like "rotate-90" or
// "rotate-180|reflect-x".
func ParseTransformation(s string) (Transformation, bool) {
	var t Transformation
	for _, part := range strings.Split(s, "|") {
		found := false
		for i, name := range transformationNames {
			if strings.TrimSpace(part) == name {
				t |= 1 << i
				found = true
			}
		}
		if !found {
			return 0, false
		}
	}
	return t, true
}

// Transposed reports whether the transformation swaps width and height.
func (t Transformation) Transposed() bool {
	return t&(Rotate90|Rotate270) != 0
}

var planeProperties = []PropertyDefinition{
	PlaneTypeProperty: {Name: "type", Requirement: Required,
		EnumNames: []string{"Overlay", "Primary", "Cursor"}},
	PlaneFbID:   {Name: "FB_ID", Requirement: Required},
	PlaneCrtcID: {Name: "CRTC_ID", Requirement: Required},
	PlaneSrcX:   {Name: "SRC_X", Requirement: Required},
	PlaneSrcY:   {Name: "SRC_Y", Requirement: Required},
	PlaneSrcW:   {Name: "SRC_W", Requirement: Required},
	PlaneSrcH:   {Name: "SRC_H", Requirement: Required},
	PlaneCrtcX:  {Name: "CRTC_X", Requirement: Required},
	PlaneCrtcY:  {Name: "CRTC_Y", Requirement: Required},
	PlaneCrtcW:  {Name: "CRTC_W", Requirement: Required},
	PlaneCrtcH:  {Name: "CRTC_H", Requirement: Required},
	PlaneRotation: {Name: "rotation", Requirement: Optional,
		EnumNames: transformationNames},
	PlaneInFormats: {Name: "IN_FORMATS", Requirement: Optional},
}

type (
	Size struct {
		Width, Height uint32
	}

	Point struct {
		X, Y int32
	}

	Rect struct {
		X, Y          int32
		Width, Height uint32
	}

	Plane struct {
		object
		bufferSlots

		possibleCrtcs uint32
		formats       map[uint32][]uint64
	}
)

func newPlane(gpu *Gpu, id uint32) (*Plane, error) {
	kp, err := gpu.card.Plane(id)
	if err != nil {
		return nil, err
	}
	p := &Plane{
		object:        newObject(gpu, id, mode.ObjectPlane, planeProperties),
		possibleCrtcs: kp.PossibleCrtcs,
	}
	if err := p.UpdateProperties(); err != nil {
		return nil, err
	}

	if prop := p.Property(PlaneInFormats); prop != nil && prop.Current() != 0 {
		blob, err := prop.Blob()
		if err == nil {
			p.formats, err = mode.ParseInFormats(blob)
		}
		if err != nil {
			p.log.Debug().Err(err).Msg("could not read IN_FORMATS")
			p.formats = nil
		}
	}
	if p.formats == nil {
		p.formats = make(map[uint32][]uint64, len(kp.Formats))
		for _, f := range kp.Formats {
			p.formats[f] = []uint64{mode.FormatModInvalid}
		}
	}
	return p, nil
}

func (p *Plane) Property(idx PlaneProperty) *Property {
	return p.property(int(idx))
}

// NeedsModeset reports a change of the CRTC the plane is attached to.
func (p *Plane) NeedsModeset() bool {
	return p.needsCommit(int(PlaneCrtcID))
}

// Kind returns the plane type the kernel reports.
func (p *Plane) Kind() PlaneType {
	prop := p.Property(PlaneTypeProperty)
	if prop == nil {
		return PlaneTypeOverlay
	}
	v, ok := prop.EnumForValue(prop.Current())
	if !ok {
		return PlaneTypeOverlay
	}
	return PlaneType(v)
}

// IsCrtcSupported reports whether the plane can be used with the CRTC
// at pipeIndex.
func (p *Plane) IsCrtcSupported(pipeIndex int) bool {
	return pipeIndex >= 0 && pipeIndex < 32 && p.possibleCrtcs&(1<<uint(pipeIndex)) != 0
}

// Formats maps the supported formats to their modifiers.
func (p *Plane) Formats() map[uint32][]uint64 {
	return p.formats
}

// Set stages the source rectangle, in buffer pixels, and the
// destination rectangle on the CRTC.
func (p *Plane) Set(src, dst Rect) {
	p.setPending(int(PlaneSrcX), uint64(src.X)<<16)
	p.setPending(int(PlaneSrcY), uint64(src.Y)<<16)
	p.setPending(int(PlaneSrcW), uint64(src.Width)<<16)
	p.setPending(int(PlaneSrcH), uint64(src.Height)<<16)
	p.setPending(int(PlaneCrtcX), uint64(int64(dst.X)))
	p.setPending(int(PlaneCrtcY), uint64(int64(dst.Y)))
	p.setPending(int(PlaneCrtcW), uint64(dst.Width))
	p.setPending(int(PlaneCrtcH), uint64(dst.Height))
}

// SetBuffer stages b on the plane. A nil buffer detaches the plane from
// its CRTC.
func (p *Plane) SetBuffer(crtcID uint32, b buffer.Buffer) {
	if b == nil {
		p.setPending(int(PlaneFbID), 0)
		p.setPending(int(PlaneCrtcID), 0)
		return
	}
	p.setPending(int(PlaneFbID), uint64(b.FramebufferID()))
	p.setPending(int(PlaneCrtcID), uint64(crtcID))
}

// SetTransformation stages the rotation. Without a rotation property
// only Rotate0 is possible.
func (p *Plane) SetTransformation(t Transformation) bool {
	prop := p.Property(PlaneRotation)
	if prop == nil {
		return t == Rotate0
	}
	return prop.SetFlags(uint64(t))
}

// Transformation returns the staged rotation.
func (p *Plane) Transformation() Transformation {
	prop := p.Property(PlaneRotation)
	if prop == nil {
		return Rotate0
	}
	return Transformation(prop.FlagsForValue(prop.Pending()))
}
