package builder

// Packing of apps into the initrd image the kernel boots from.

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/inhies/go-bytesize"

	"github.com/kcore-os/kcore/initrd"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/loader"
)

var ErrNoApps = errors.New("builder: no apps to pack")

// Rootfs describes an initrd image. Apps lists app images (.hex or .bin) or
// directories containing them.
type Rootfs struct {
	Apps []string
	Log  *klog.Logger
}

// appName is the initrd name of an app file: its base name without the
// extension.
func appName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isApp(path string) bool {
	switch filepath.Ext(path) {
	case ".hex", ".bin":
		return true
	}
	return false
}

// files expands the directories in r.Apps.
func (r *Rootfs) files() ([]string, error) {
	var files []string
	for _, path := range r.Apps {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if !isApp(path) {
				return nil, fmt.Errorf("builder: %s: not a .hex or .bin app", path)
			}
			files = append(files, path)
			continue
		}
		dir, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range dir {
			if !e.IsDir() && isApp(e.Name()) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		return nil, ErrNoApps
	}
	return files, nil
}

// ReadApp reads an app image from a .hex or .bin file and validates its
// header.
func ReadApp(path string) ([]byte, error) {
	var image []byte
	if filepath.Ext(path) == ".hex" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if image, err = loader.ReadHex(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		var err error
		if image, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	h, err := loader.ParseHeader(image)
	if err == nil {
		err = h.Validate(len(image))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return image, nil
}

// Entries reads and validates every app of the image.
func (r *Rootfs) Entries() ([]initrd.Entry, error) {
	files, err := r.files()
	if err != nil {
		return nil, err
	}
	entries := make([]initrd.Entry, 0, len(files))
	for _, path := range files {
		image, err := ReadApp(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, initrd.Entry{Name: appName(path), Data: image})
	}
	return entries, nil
}

// Build writes the initrd to out. Concurrent builds of the same output are
// serialised with a lock file next to it, and the image is replaced
// atomically.
func (r *Rootfs) Build(out string) error {
	entries, err := r.Entries()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := initrd.Write(&buf, entries); err != nil {
		return err
	}

	lock := flock.New(out + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("builder: lock %s: %w", out, err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(out), filepath.Base(out)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return err
	}

	if r.Log != nil {
		for _, e := range entries {
			r.Log.Infof("packed %s (%s)", e.Name, bytesize.New(float64(len(e.Data))))
		}
		r.Log.Infof("wrote %s: %d apps, %s", out, len(entries), bytesize.New(float64(buf.Len())))
	}
	return nil
}
