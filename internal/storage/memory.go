package storage

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MemDisk is an in-memory Disk that models an object store. Objects become
// visible to reads only after a configurable lag, which lets tests exercise
// the eventual-consistency handling in the post-processing job.
type MemDisk struct {
	mu      sync.RWMutex
	objects map[string]*memObject

	// Lag delays read visibility of freshly written objects.
	Lag time.Duration

	// WriteErr, when set, is returned by Write. Lets tests simulate upload
	// failures.
	WriteErr error

	now func() time.Time
}

type memObject struct {
	data       []byte
	vis        Visibility
	visibleAt  time.Time
	generation int
}

// NewMemDisk creates an empty in-memory disk with no visibility lag.
func NewMemDisk() *MemDisk {
	return &MemDisk{
		objects: make(map[string]*memObject),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use this together with Lag.
func (d *MemDisk) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Local reports false: MemDisk models a remote object store.
func (d *MemDisk) Local() bool { return false }

func (d *MemDisk) visible(obj *memObject) bool {
	return !d.now().Before(obj.visibleAt)
}

// Exists reports whether a visible object is present at key.
func (d *MemDisk) Exists(key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[key]
	return ok && d.visible(obj), nil
}

// Size returns the byte size of the object at key.
func (d *MemDisk) Size(key string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[key]
	if !ok || !d.visible(obj) {
		return 0, ErrNotFound
	}
	return int64(len(obj.data)), nil
}

// MimeType returns the sniffed MIME type of the object at key.
func (d *MemDisk) MimeType(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[key]
	if !ok || !d.visible(obj) {
		return "", ErrNotFound
	}
	mime := http.DetectContentType(obj.data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime, nil
}

// ReadStream opens the object at key for reading.
func (d *MemDisk) ReadStream(key string) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[key]
	if !ok || !d.visible(obj) {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Write stores the contents of r at key with the given visibility.
func (d *MemDisk) Write(key string, r io.Reader, vis Visibility) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteErr != nil {
		return d.WriteErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	gen := 0
	if prev, ok := d.objects[key]; ok {
		gen = prev.generation + 1
	}
	d.objects[key] = &memObject{
		data:       data,
		vis:        vis,
		visibleAt:  d.now().Add(d.Lag),
		generation: gen,
	}
	return nil
}

// Visibility returns the stored visibility of the object at key.
func (d *MemDisk) Visibility(key string) (Visibility, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[key]
	if !ok || !d.visible(obj) {
		return "", ErrNotFound
	}
	return obj.vis, nil
}

// SetVisibility changes the visibility of the object at key.
func (d *MemDisk) SetVisibility(key string, vis Visibility) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[key]
	if !ok {
		return ErrNotFound
	}
	obj.vis = vis
	return nil
}

// Delete removes the object at key. Missing objects are not an error.
func (d *MemDisk) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, key)
	return nil
}

// Generation returns how many times key has been overwritten. Tests use it
// to assert that deduplicated uploads did not rewrite an object.
func (d *MemDisk) Generation(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if obj, ok := d.objects[key]; ok {
		return obj.generation
	}
	return -1
}

// Len returns the number of stored objects, visible or not.
func (d *MemDisk) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objects)
}
