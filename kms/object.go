package kms

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/NeowayLabs/kmspipe/mode"
)

// Object is a connector, CRTC or plane.
type Object interface {
	ID() uint32
	// Type is the kernel object type, mode.ObjectCrtc etc.
	Type() uint32
	Properties() []*Property

	UpdateProperties() error
	AtomicPopulate(req *mode.AtomicRequest)
	NeedsModeset() bool
	NeedsCommit() bool

	CommitPending()
	RollbackPending()
	Commit()

	// Teardown destroys the property blobs the object created.
	Teardown()
}

type object struct {
	gpu   *Gpu
	id    uint32
	typ   uint32
	defs  []PropertyDefinition
	props []*Property
	log   zerolog.Logger
}

func newObject(gpu *Gpu, id, typ uint32, defs []PropertyDefinition) object {
	return object{
		gpu:   gpu,
		id:    id,
		typ:   typ,
		defs:  defs,
		props: make([]*Property, len(defs)),
		log: gpu.log.With().
			Str("object", typeName(typ)).
			Uint32("id", id).
			Logger(),
	}
}

func typeName(typ uint32) string {
	switch typ {
	case mode.ObjectConnector:
		return "connector"
	case mode.ObjectCrtc:
		return "crtc"
	case mode.ObjectPlane:
		return "plane"
	}
	return fmt.Sprintf("%#x", typ)
}

func (o *object) ID() uint32 {
	return o.id
}

func (o *object) Type() uint32 {
	return o.typ
}

// Properties returns the properties that were found, in definition order.
func (o *object) Properties() []*Property {
	var ret []*Property
	for _, p := range o.props {
		if p != nil {
			ret = append(ret, p)
		}
	}
	return ret
}

func (o *object) property(idx int) *Property {
	if idx < 0 || idx >= len(o.props) {
		return nil
	}
	return o.props[idx]
}

func (o *object) setPending(idx int, value uint64) bool {
	p := o.property(idx)
	if p == nil {
		return false
	}
	return p.SetPending(value)
}

func (o *object) needsCommit(idx int) bool {
	p := o.property(idx)
	return p != nil && p.NeedsCommit()
}

func (o *object) deleteProperty(idx int) {
	if p := o.property(idx); p != nil {
		p.teardown()
		o.props[idx] = nil
	}
}

// UpdateProperties reads the properties from the kernel. Known ones get
// their current value refreshed, new ones are added and the ones the
// kernel dropped are removed. Nothing changes when a required property
// is missing.
func (o *object) UpdateProperties() error {
	card := o.gpu.card
	kprops, err := card.ObjectProperties(o.id, o.typ)
	if err != nil {
		return fmt.Errorf("update properties of %s %d: %w", typeName(o.typ), o.id, err)
	}

	type found struct {
		kp    *mode.Property
		value uint64
	}
	seen := make([]*found, len(o.defs))
	for i, propID := range kprops.Props {
		kp, err := card.Property(propID)
		if err != nil {
			o.log.Debug().Err(err).Uint32("property", propID).Msg("skipping property")
			continue
		}
		for idx, def := range o.defs {
			if def.Name == kp.Name {
				seen[idx] = &found{kp, kprops.Values[i]}
				break
			}
		}
	}

	props := make([]*Property, len(o.defs))
	for idx, f := range seen {
		if f == nil {
			continue
		}
		if p := o.props[idx]; p != nil && p.id == f.kp.ID {
			props[idx] = p
			continue
		}
		props[idx] = newProperty(o, f.kp, f.value, o.defs[idx])
	}
	for idx, def := range o.defs {
		if props[idx] != nil {
			continue
		}
		if (def.Requirement == Required && o.gpu.atomic) ||
			(def.Requirement == RequiredForLegacy && !o.gpu.atomic) {
			return fmt.Errorf("%w: %q on %s %d",
				ErrMissingRequiredProperty, def.Name, typeName(o.typ), o.id)
		}
	}

	for idx, p := range o.props {
		if p != nil && props[idx] != p {
			p.teardown()
		}
	}
	for idx, p := range props {
		if p != nil && seen[idx] != nil {
			p.SetCurrent(seen[idx].value)
		}
	}
	o.props = props
	return nil
}

// AtomicPopulate adds every changed property to req.
func (o *object) AtomicPopulate(req *mode.AtomicRequest) {
	for _, p := range o.props {
		if p == nil || p.immutable || p.legacy || !p.NeedsCommit() {
			continue
		}
		req.Add(o.id, p.id, p.pending)
	}
}

func (o *object) NeedsModeset() bool {
	return false
}

func (o *object) NeedsCommit() bool {
	for _, p := range o.props {
		if p != nil && p.NeedsCommit() {
			return true
		}
	}
	return false
}

func (o *object) CommitPending() {
	for _, p := range o.props {
		if p != nil {
			p.CommitPending()
		}
	}
}

func (o *object) RollbackPending() {
	for _, p := range o.props {
		if p != nil {
			p.RollbackPending()
		}
	}
}

func (o *object) Commit() {
	for _, p := range o.props {
		if p != nil {
			p.Commit()
		}
	}
}

func (o *object) Teardown() {
	for _, p := range o.props {
		if p != nil {
			p.teardown()
		}
	}
}
