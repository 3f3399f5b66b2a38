// Package pipecache loads and stores pipeline cache blobs. A blob is only
// handed back to the driver when its header was written by the same driver
// and device, so stale caches from another GPU are discarded.
package pipecache

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v3/common"
)

// HeaderVersionOne is the only header layout defined by Vulkan 1.0.
const HeaderVersionOne uint32 = 1

// headerSize is the size of the version one header: length, version, vendor
// ID, device ID and the cache UUID.
const headerSize = 4*4 + 16

var ErrMismatch = errors.New("pipecache: cache was written for a different device")

// Identity is what a physical device reports about its pipeline caches.
type Identity struct {
	VendorID  uint32
	DeviceID  uint32
	CacheUUID uuid.UUID
}

type Header struct {
	Length    uint32
	Version   uint32
	VendorID  uint32
	DeviceID  uint32
	CacheUUID uuid.UUID
}

func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < headerSize {
		return h, errors.Newf("pipecache: %d bytes is too short for a cache header", len(data))
	}
	r := bytes.NewReader(data)
	for _, field := range []any{&h.Length, &h.Version, &h.VendorID, &h.DeviceID, &h.CacheUUID} {
		if err := binary.Read(r, common.ByteOrder, field); err != nil {
			return h, errors.Wrap(err, "pipecache: reading header")
		}
	}
	return h, nil
}

// Validate checks that data is a cache the device described by id accepts.
func Validate(data []byte, id Identity) error {
	h, err := ParseHeader(data)
	if err != nil {
		return err
	}
	switch {
	case h.Length < headerSize || int(h.Length) > len(data):
		return errors.Newf("pipecache: bad header length %d", h.Length)
	case h.Version != HeaderVersionOne:
		return errors.Newf("pipecache: unsupported header version %d", h.Version)
	case h.VendorID != id.VendorID:
		return errors.Wrapf(ErrMismatch, "vendor 0x%x, device is 0x%x", h.VendorID, id.VendorID)
	case h.DeviceID != id.DeviceID:
		return errors.Wrapf(ErrMismatch, "device 0x%x, device is 0x%x", h.DeviceID, id.DeviceID)
	case h.CacheUUID != id.CacheUUID:
		return errors.Wrapf(ErrMismatch, "cache UUID %s, device expects %s", h.CacheUUID, id.CacheUUID)
	}
	return nil
}

// Load returns the cache stored at path, or nil when there is none or it is
// not valid for id. An invalid file is removed so the next Save repopulates it.
func Load(path string, id Identity, log *slog.Logger) ([]byte, error) {
	if log == nil {
		log = slog.Default()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info("pipeline cache miss", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading pipeline cache %s", path)
	}
	if err := Validate(data, id); err != nil {
		log.Warn("discarding pipeline cache", "path", path, "reason", err)
		_ = os.Remove(path)
		return nil, nil
	}
	return data, nil
}

// Save writes data to path, replacing any previous cache atomically.
func Save(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "creating pipeline cache file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing pipeline cache %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "writing pipeline cache %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "replacing pipeline cache %s", path)
}
