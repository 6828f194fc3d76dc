package kms

import (
	"github.com/NeowayLabs/kmspipe/mode"
)

// Requirement tells discovery whether an object is usable without a
// property.
type Requirement int

const (
	// Required properties must exist when atomic modesetting is used.
	Required Requirement = iota
	// RequiredForLegacy properties must exist on the legacy path.
	RequiredForLegacy
	Optional
)

type (
	// PropertyDefinition names a kernel property an object kind
	// uses. For enum and bitmask properties EnumNames lists the kernel
	// enum names, the position in the list being the variant.
	PropertyDefinition struct {
		Name        string
		Requirement Requirement
		EnumNames   []string
	}

	// Property is the shadow of one kernel property of one object.
	//
	// current is the value last confirmed by the kernel, next the
	// value of a successful test that was not committed yet and
	// pending the value callers asked for.
	Property struct {
		obj       *object
		id        uint32
		name      string
		immutable bool
		legacy    bool
		bitmask   bool
		blob      bool
		enumNames []string
		enumMap   map[int]uint64

		current uint64
		pending uint64
		next    uint64

		// blobs created for this property that may still be in use
		owned map[uint32]struct{}
	}
)

func newProperty(obj *object, kp *mode.Property, value uint64, def PropertyDefinition) *Property {
	p := &Property{
		obj:       obj,
		id:        kp.ID,
		name:      kp.Name,
		immutable: kp.IsImmutable(),
		bitmask:   kp.Flags&mode.PropBitmask != 0,
		blob:      kp.IsBlob(),
		current:   value,
		pending:   value,
		next:      value,
	}
	if len(def.EnumNames) == 0 {
		return p
	}
	if !kp.IsEnum() {
		obj.log.Debug().Str("property", kp.Name).
			Msg("property is not an enum, ignoring it")
		return nil
	}
	p.enumNames = def.EnumNames
	p.enumMap = make(map[int]uint64, len(def.EnumNames))
	for _, e := range kp.Enums {
		variant := -1
		for i, name := range def.EnumNames {
			if name == e.Name {
				variant = i
				break
			}
		}
		if variant < 0 {
			obj.log.Debug().Str("property", kp.Name).Str("enum", e.Name).
				Msg("unknown enum value")
			continue
		}
		p.enumMap[variant] = e.Value
	}
	if len(p.enumMap) == 0 {
		obj.log.Debug().Str("property", kp.Name).
			Msg("no known enum values, ignoring property")
		return nil
	}
	return p
}

func (p *Property) ID() uint32 {
	return p.id
}

func (p *Property) Name() string {
	return p.name
}

func (p *Property) Current() uint64 {
	return p.current
}

func (p *Property) Pending() uint64 {
	return p.pending
}

func (p *Property) Next() uint64 {
	return p.next
}

func (p *Property) IsImmutable() bool {
	return p.immutable
}

// IsLegacy reports whether the property is written with the single
// property ioctl instead of being part of atomic commits.
func (p *Property) IsLegacy() bool {
	return p.legacy
}

func (p *Property) setLegacy() {
	p.legacy = true
}

// SetPending proposes a value. Immutable properties refuse.
func (p *Property) SetPending(value uint64) bool {
	if p.immutable {
		return false
	}
	p.pending = value
	p.releaseBlobs()
	return true
}

// SetCurrent records a value read back from the kernel.
func (p *Property) SetCurrent(value uint64) {
	p.current = value
	if p.immutable {
		p.pending = value
		p.next = value
	}
	p.releaseBlobs()
}

func (p *Property) CommitPending() {
	p.next = p.pending
	p.releaseBlobs()
}

func (p *Property) RollbackPending() {
	p.pending = p.current
	p.releaseBlobs()
}

func (p *Property) Commit() {
	p.current = p.next
	p.releaseBlobs()
}

func (p *Property) NeedsCommit() bool {
	return p.pending != p.current
}

func (p *Property) HasEnum(variant int) bool {
	_, ok := p.enumMap[variant]
	return ok
}

func (p *Property) HasAllEnums() bool {
	return len(p.enumNames) > 0 && len(p.enumMap) == len(p.enumNames)
}

// enumValue is the property value that selects variant.
func (p *Property) enumValue(variant int) (uint64, bool) {
	v, ok := p.enumMap[variant]
	if !ok {
		return 0, false
	}
	if p.bitmask {
		return 1 << v, true
	}
	return v, true
}

// SetEnum stages the enum variant. It fails when the kernel does not
// know the variant.
func (p *Property) SetEnum(variant int) bool {
	value, ok := p.enumValue(variant)
	if !ok {
		return false
	}
	return p.SetPending(value)
}

// EnumForValue maps a property value back to its variant.
func (p *Property) EnumForValue(value uint64) (int, bool) {
	for variant := range p.enumMap {
		if v, _ := p.enumValue(variant); v == value {
			return variant, true
		}
	}
	return 0, false
}

// SetFlags stages a bitmask property. Bit i of mask selects variant i
// and every selected variant must be known to the kernel.
func (p *Property) SetFlags(mask uint64) bool {
	if !p.bitmask {
		return false
	}
	var value uint64
	for variant := 0; variant < 64; variant++ {
		if mask&(1<<variant) == 0 {
			continue
		}
		v, ok := p.enumValue(variant)
		if !ok {
			return false
		}
		value |= v
	}
	return p.SetPending(value)
}

// FlagsForValue converts a bitmask property value into variant bits.
func (p *Property) FlagsForValue(value uint64) uint64 {
	var mask uint64
	for variant := range p.enumMap {
		if v, _ := p.enumValue(variant); value&v != 0 {
			mask |= 1 << variant
		}
	}
	return mask
}

// SetPropertyLegacy writes the value with the single property ioctl.
// It is used when there is no atomic request to carry it.
func (p *Property) SetPropertyLegacy(value uint64) error {
	if p.immutable {
		return ErrImmutableProperty
	}
	card := p.obj.gpu.card
	if err := card.SetObjectProperty(p.obj.id, p.obj.typ, p.id, value); err != nil {
		return err
	}
	p.current, p.pending, p.next = value, value, value
	p.releaseBlobs()
	return nil
}

// Set stages a typed value.
func (p *Property) Set(v Value) bool {
	switch v.kind {
	case valueBool:
		if v.raw != 0 {
			return p.SetPending(1)
		}
		return p.SetPending(0)
	case valueEnum:
		return p.SetEnum(v.enum)
	case valueBlob:
		return p.setPendingBlob(v.blob)
	default:
		return p.SetPending(v.raw)
	}
}

// Blob reads the contents of the blob the property currently points at.
func (p *Property) Blob() ([]byte, error) {
	if p.current == 0 {
		return nil, nil
	}
	return p.obj.gpu.card.PropertyBlob(uint32(p.current))
}

// setPendingBlob creates a kernel blob holding data and stages it. A
// nil data stages the empty blob id 0.
func (p *Property) setPendingBlob(data []byte) bool {
	if p.immutable {
		return false
	}
	if len(data) == 0 {
		return p.SetPending(0)
	}
	id, err := p.obj.gpu.card.CreatePropertyBlob(data)
	if err != nil {
		p.obj.log.Warn().Err(err).Str("property", p.name).
			Msg("failed to create property blob")
		return false
	}
	if p.owned == nil {
		p.owned = map[uint32]struct{}{}
	}
	p.owned[id] = struct{}{}
	return p.SetPending(uint64(id))
}

func (p *Property) releaseBlobs() {
	for id := range p.owned {
		v := uint64(id)
		if v == p.current || v == p.pending || v == p.next {
			continue
		}
		p.destroyBlob(id)
	}
}

func (p *Property) destroyBlob(id uint32) {
	delete(p.owned, id)
	if err := p.obj.gpu.card.DestroyPropertyBlob(id); err != nil {
		p.obj.log.Debug().Err(err).Uint32("blob", id).
			Msg("failed to destroy property blob")
	}
}

func (p *Property) teardown() {
	for id := range p.owned {
		p.destroyBlob(id)
	}
}

type valueKind int

const (
	valueRaw valueKind = iota
	valueBool
	valueEnum
	valueBlob
)

// Value is a typed property value, see Property.Set.
type Value struct {
	kind valueKind
	raw  uint64
	enum int
	blob []byte
}

func Raw(v uint64) Value {
	return Value{kind: valueRaw, raw: v}
}

func Bool(b bool) Value {
	v := Value{kind: valueBool}
	if b {
		v.raw = 1
	}
	return v
}

// Enum selects an enum variant by its position in the definition.
func Enum(variant int) Value {
	return Value{kind: valueEnum, enum: variant}
}

// Blob stages data as a new property blob.
func Blob(data []byte) Value {
	return Value{kind: valueBlob, blob: data}
}
