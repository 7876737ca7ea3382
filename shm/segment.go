package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/internal/logging"
)

// Kind distinguishes the three segment roles a LoLa service instance maps:
// bulk event/method payload data, and two independent control segments
// split by ASIL quality level so a QM consumer can never corrupt ASIL-B
// control structures by mapping them writable.
type Kind int

const (
	KindData Kind = iota
	KindControlQM
	KindControlASILB
)

func (k Kind) suffix() string {
	switch k {
	case KindControlQM:
		return "qm"
	case KindControlASILB:
		return "asilb"
	default:
		return "data"
	}
}

// Segment is a memory-mapped shared-memory region backing one Kind of a
// service instance's state. The skeleton creates it; proxies open it
// read-only (or read-write for their own control-segment registration
// slots).
type Segment struct {
	path     string
	kind     Kind
	fd       int
	data     []byte
	arena    *Arena
	readOnly bool
}

// SegmentDir is the directory LoLa shared-memory segments are mapped
// under, mirroring the fixed naming convention consumers rely on to
// locate a service instance without a broker. It is a var rather than a
// const so tests can point it at a scratch directory.
var SegmentDir = "/dev/shm/lola"

// DataSegmentPath returns the DATA segment path for a service instance:
// lola-data-<16-hex service id>-<5-dec instance id>. The DATA segment is
// the only one addressable without knowing the provider's uid; a consumer
// opens it first and reads the uid out of its header.
func DataSegmentPath(serviceID, instanceID uint16) string {
	return filepath.Join(SegmentDir, fmt.Sprintf("lola-data-%016x-%05d", uint64(serviceID), instanceID))
}

// ControlSegmentPath returns the control segment path for a service
// instance at one quality level:
// lola-ctl-<16-hex service id>-<5-dec instance id>-<uid>-{qm|asilb},
// where uid is the providing skeleton's uid.
func ControlSegmentPath(serviceID, instanceID uint16, uid uint32, kind Kind) string {
	return filepath.Join(SegmentDir, fmt.Sprintf("lola-ctl-%016x-%05d-%d-%s",
		uint64(serviceID), instanceID, uid, kind.suffix()))
}

// MethodsSegmentPath returns the lazily-created methods segment path:
// lola-methods-<16-hex service id>-<5-dec instance id>-<uid>-<queue size>.
func MethodsSegmentPath(serviceID, instanceID uint16, uid uint32, queueSize int) string {
	return filepath.Join(SegmentDir, fmt.Sprintf("lola-methods-%016x-%05d-%d-%d",
		uint64(serviceID), instanceID, uid, queueSize))
}

// MethodsSegmentGlob returns a glob matching the instance's methods
// segment regardless of its queue-size suffix, which a consumer does not
// know a priori.
func MethodsSegmentGlob(serviceID, instanceID uint16, uid uint32) string {
	return filepath.Join(SegmentDir, fmt.Sprintf("lola-methods-%016x-%05d-%d-*",
		uint64(serviceID), instanceID, uid))
}

// CreateSegment creates (or truncates) a segment file of size bytes, maps
// it read-write, and returns a Segment whose Arena allocates from the
// mapped region. Only a skeleton ever creates segments.
func CreateSegment(path string, size int64, mode os.FileMode) (*Segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap("CreateSegment", err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, uint32(mode))
	if err != nil {
		return nil, errors.Wrap("CreateSegment", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap("CreateSegment", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap("CreateSegment", err)
	}
	logging.Default().Debug("segment created", "path", path, "size", size)
	return &Segment{path: path, fd: fd, data: data, arena: NewArena(data)}, nil
}

// OpenSegment opens an existing segment created by a skeleton. readOnly
// controls the mmap protection bits: proxies map the DATA segment
// read-only but still need read-write access to the CONTROL segments to
// register their own subscription/refcount slots.
func OpenSegment(path string, readOnly bool) (*Segment, error) {
	flags := unix.O_RDWR
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		flags = unix.O_RDONLY
		prot = unix.PROT_READ
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, errors.Wrap("OpenSegment", err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap("OpenSegment", err)
	}
	size := st.Size
	data, err := unix.Mmap(fd, 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap("OpenSegment", err)
	}
	return &Segment{path: path, fd: fd, data: data, arena: NewArena(data), readOnly: readOnly}, nil
}

// Arena returns the segment's allocator. For an opened (non-creating)
// segment this should only be used to resolve OffsetPtrs, never to
// allocate new objects, since the layout was already fixed by the creator.
func (s *Segment) Arena() *Arena { return s.arena }

// Path returns the filesystem path backing the segment.
func (s *Segment) Path() string { return s.path }

// ReadOnly reports whether the segment was mapped without write access.
func (s *Segment) ReadOnly() bool { return s.readOnly }

// Close unmaps and closes the segment's file descriptor. It does not
// remove the backing file; segment lifetime is governed by the partial
// restart protocol in package flock, not by process exit.
func (s *Segment) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return errors.Wrap("Segment.Close", err)
		}
		s.data = nil
	}
	return unix.Close(s.fd)
}

// Remove closes the segment and deletes its backing file. Used when a
// skeleton tears down a service offer for good (PrepareStopOffer).
func (s *Segment) Remove() error {
	path := s.path
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap("Segment.Remove", err)
	}
	return nil
}
