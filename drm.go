package drm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/NeowayLabs/kmspipe/ioctl"
)

type (
	version struct {
		Major   int32
		Minor   int32
		Patch   int32
		namelen int64
		name    uintptr
		datelen int64
		date    uintptr
		desclen int64
		desc    uintptr
	}

	// Version of DRM driver
	Version struct {
		Major, Minor, Patch int32
		Name                string // Name of the driver (eg.: i915)
		Date                string
		Desc                string
	}
)

const (
	driPath = "/dev/dri"
)

func Available() (Version, error) {
	f, err := OpenCard(0)
	if err != nil {
		return Version{}, err
	}
	defer f.Close()
	return GetVersion(f)
}

// CardPath returns the primary node path for card n.
func CardPath(n int) string {
	return filepath.Join(driPath, fmt.Sprintf("card%d", n))
}

func OpenCard(n int) (*os.File, error) {
	return Open(CardPath(n))
}

func OpenRenderDev(n int) (*os.File, error) {
	return Open(filepath.Join(driPath, fmt.Sprintf("renderD%d", n)))
}

// Open opens a DRM device node for modesetting. The descriptor is
// close-on-exec, Go sets O_CLOEXEC for every file it opens.
func Open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func GetVersion(file *os.File) (Version, error) {
	var (
		name, date, desc []byte
	)

	version := &version{}
	err := ioctl.Do(file.Fd(), uintptr(IOCTLVersion),
		uintptr(unsafe.Pointer(version)))
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}

	if version.namelen > 0 {
		name = make([]byte, version.namelen+1)
		version.name = uintptr(unsafe.Pointer(&name[0]))
	}
	if version.datelen > 0 {
		date = make([]byte, version.datelen+1)
		version.date = uintptr(unsafe.Pointer(&date[0]))
	}
	if version.desclen > 0 {
		desc = make([]byte, version.desclen+1)
		version.desc = uintptr(unsafe.Pointer(&desc[0]))
	}

	err = ioctl.Do(file.Fd(), uintptr(IOCTLVersion),
		uintptr(unsafe.Pointer(version)))
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}

	return Version{
		Major: version.Major,
		Minor: version.Minor,
		Patch: version.Patch,
		Name:  cstring(name, version.namelen),
		Date:  cstring(date, version.datelen),
		Desc:  cstring(desc, version.desclen),
	}, nil
}

// cstring trims a kernel-filled buffer to its reported length
// and drops any C null bytes.
func cstring(b []byte, n int64) string {
	if int64(len(b)) > n {
		b = b[:n]
	}
	return string(bytes.TrimRight(b, "\x00"))
}
