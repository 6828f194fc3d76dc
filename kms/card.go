package kms

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	drm "github.com/NeowayLabs/kmspipe"
	"github.com/NeowayLabs/kmspipe/buffer"
	"github.com/NeowayLabs/kmspipe/mode"
)

// Card is the kernel side of a DRM device.
type Card interface {
	buffer.Device

	Version() (drm.Version, error)
	GetCap(capability uint64) (uint64, error)
	SetClientCap(capability, value uint64) error

	Resources() (*mode.Resources, error)
	PlaneResources() ([]uint32, error)
	Connector(id uint32) (*mode.Connector, error)
	Encoder(id uint32) (*mode.Encoder, error)
	Crtc(id uint32) (*mode.Crtc, error)
	Plane(id uint32) (*mode.Plane, error)

	ObjectProperties(objID, objType uint32) (*mode.ObjectProperties, error)
	Property(propID uint32) (*mode.Property, error)
	PropertyBlob(blobID uint32) ([]byte, error)
	CreatePropertyBlob(data []byte) (uint32, error)
	DestroyPropertyBlob(blobID uint32) error
	SetObjectProperty(objID, objType, propID uint32, value uint64) error

	AtomicCommit(req *mode.AtomicRequest, flags uint32, userData uint64) error
	SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, m *mode.Info) error
	PageFlip(crtcID, fbID, flags uint32, userData uint64) error
	SetCursor(crtcID, handle, width, height uint32) error
	SetCursor2(crtcID, handle, width, height uint32, hotX, hotY int32) error
	MoveCursor(crtcID uint32, x, y int32) error
	SetGamma(crtcID uint32, red, green, blue []uint16) error

	// WaitEvents waits up to timeout for events to become readable.
	WaitEvents(timeout time.Duration) (bool, error)
	ReadEvents() ([]mode.Event, error)

	Close() error
}

// FileCard is a Card backed by an open device node.
type FileCard struct {
	file *os.File
	log  zerolog.Logger
}

// OpenCard opens /dev/dri/card<n>.
func OpenCard(n int, log zerolog.Logger) (*FileCard, error) {
	f, err := drm.OpenCard(n)
	if err != nil {
		return nil, err
	}
	return NewFileCard(f, log), nil
}

func NewFileCard(f *os.File, log zerolog.Logger) *FileCard {
	return &FileCard{file: f, log: log}
}

func (c *FileCard) File() *os.File {
	return c.file
}

func (c *FileCard) Fd() uintptr {
	return c.file.Fd()
}

func (c *FileCard) Logger() *zerolog.Logger {
	return &c.log
}

func (c *FileCard) CreateDumb(width, height, bpp uint32) (*mode.FB, error) {
	return mode.CreateFB(c.file, uint16(width), uint16(height), bpp)
}

func (c *FileCard) MapDumb(handle uint32) (uint64, error) {
	return mode.MapDumb(c.file, handle)
}

func (c *FileCard) DestroyDumb(handle uint32) error {
	return mode.DestroyDumb(c.file, handle)
}

func (c *FileCard) AddFB2(fb *mode.FB2) (uint32, error) {
	return mode.AddFB2(c.file, fb)
}

func (c *FileCard) RmFB(fbID uint32) error {
	return mode.RmFB(c.file, fbID)
}

func (c *FileCard) Version() (drm.Version, error) {
	return drm.GetVersion(c.file)
}

func (c *FileCard) GetCap(capability uint64) (uint64, error) {
	return drm.GetCap(c.file, capability)
}

func (c *FileCard) SetClientCap(capability, value uint64) error {
	return drm.SetClientCap(c.file, capability, value)
}

func (c *FileCard) Resources() (*mode.Resources, error) {
	return mode.GetResources(c.file)
}

func (c *FileCard) PlaneResources() ([]uint32, error) {
	return mode.GetPlaneResources(c.file)
}

func (c *FileCard) Connector(id uint32) (*mode.Connector, error) {
	return mode.GetConnector(c.file, id)
}

func (c *FileCard) Encoder(id uint32) (*mode.Encoder, error) {
	return mode.GetEncoder(c.file, id)
}

func (c *FileCard) Crtc(id uint32) (*mode.Crtc, error) {
	return mode.GetCrtc(c.file, id)
}

func (c *FileCard) Plane(id uint32) (*mode.Plane, error) {
	return mode.GetPlane(c.file, id)
}

func (c *FileCard) ObjectProperties(objID, objType uint32) (*mode.ObjectProperties, error) {
	return mode.GetObjectProperties(c.file, objID, objType)
}

func (c *FileCard) Property(propID uint32) (*mode.Property, error) {
	return mode.GetProperty(c.file, propID)
}

func (c *FileCard) PropertyBlob(blobID uint32) ([]byte, error) {
	return mode.GetPropertyBlob(c.file, blobID)
}

func (c *FileCard) CreatePropertyBlob(data []byte) (uint32, error) {
	return mode.CreatePropertyBlob(c.file, data)
}

func (c *FileCard) DestroyPropertyBlob(blobID uint32) error {
	return mode.DestroyPropertyBlob(c.file, blobID)
}

func (c *FileCard) SetObjectProperty(objID, objType, propID uint32, value uint64) error {
	return mode.SetObjectProperty(c.file, objID, objType, propID, value)
}

func (c *FileCard) AtomicCommit(req *mode.AtomicRequest, flags uint32, userData uint64) error {
	return mode.AtomicCommit(c.file, req, flags, userData)
}

func (c *FileCard) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, m *mode.Info) error {
	return mode.SetCrtc(c.file, crtcID, fbID, x, y, connectors, m)
}

func (c *FileCard) PageFlip(crtcID, fbID, flags uint32, userData uint64) error {
	return mode.PageFlip(c.file, crtcID, fbID, flags, userData)
}

func (c *FileCard) SetCursor(crtcID, handle, width, height uint32) error {
	return mode.SetCursor(c.file, crtcID, handle, width, height)
}

func (c *FileCard) SetCursor2(crtcID, handle, width, height uint32, hotX, hotY int32) error {
	return mode.SetCursor2(c.file, crtcID, handle, width, height, hotX, hotY)
}

func (c *FileCard) MoveCursor(crtcID uint32, x, y int32) error {
	return mode.MoveCursor(c.file, crtcID, x, y)
}

func (c *FileCard) SetGamma(crtcID uint32, red, green, blue []uint16) error {
	return mode.CrtcSetGamma(c.file, crtcID, red, green, blue)
}

func (c *FileCard) WaitEvents(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(c.file.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *FileCard) ReadEvents() ([]mode.Event, error) {
	return mode.ReadEvents(c.file)
}

func (c *FileCard) Close() error {
	return c.file.Close()
}
