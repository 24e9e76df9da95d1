package name

// registry.go maps bound socket names to pipe basenames through durable
// namespace objects: symlinks for abstract names, tagged marker files
// for pathnames.

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff"
	log "github.com/golang/glog"
	guuid "github.com/google/uuid"
	"github.com/pborman/uuid"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

// Socket types as encoded in pipe basenames.
const (
	TypeStream byte = 's'
	TypeDgram  byte = 'd'
)

// PipeBaseLen is the character length of a pipe basename, excluding the
// trailing NUL it gets on the wire.
const PipeBaseLen = 47

// TypePos is the character position in a pipe basename encoding the
// socket type.
const TypePos = 29

// linkPrefix leads every abstract-name symlink in the shared dir.
const linkPrefix = "af-unix-"

// reparseTag is the private tag leading a pathname marker file.
const reparseTag uint32 = 0x00006000

// SocketGUID identifies a marker file as an emulated socket.
var SocketGUID = uuid.Parse("efc1714d-7b19-4407-bab3-c5b1f92cb88c")

// PipeBase renders the basename of the pipe backing a socket:
// cygwin-<key>-unix-<type>-<id>, with the installation key and the
// unique id as 16 hex digits each.
func PipeBase(installKey string, typ byte, id uint64) string {
	return fmt.Sprintf("cygwin-%s-unix-%c-%016x", installKey, typ, id)
}

// PipeType extracts the socket type from a pipe basename. A basename
// whose type character is not s or d reports EINVAL.
func PipeType(base string) (byte, error) {
	if len(base) <= TypePos {
		return 0, fmt.Errorf("pipe name %q too short: %w", base, unix.EINVAL)
	}
	switch base[TypePos] {
	case TypeStream, TypeDgram:
		return base[TypePos], nil
	}
	return 0, fmt.Errorf("pipe name %q has no socket type: %w", base, unix.EINVAL)
}

// Umask returns the process umask. The host exposes it only through a
// set call, so it is set and immediately restored.
func Umask() int {
	m := unix.Umask(0)
	unix.Umask(m)
	return m
}

// Backing is the handle to a created namespace object. An abstract
// link only exists while some socket holds it open, so closing the
// Backing of an abstract name removes the link; a pathname marker
// outlives its socket like any socket file does.
type Backing struct {
	// FilePath locates the durable object.
	FilePath string
	// Abstract marks a symlink object rather than a marker file.
	Abstract bool
}

// Close releases the handle, removing an abstract link from the
// namespace. Infallible from the caller's perspective.
func (b *Backing) Close() {
	if b == nil || !b.Abstract {
		return
	}
	if err := os.Remove(b.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Errorf("name: cannot remove abstract link %s: %s", b.FilePath, err)
	}
}

// Registry creates and resolves namespace objects. Dir is the shared
// session directory holding abstract links; Key is the installation
// key expected in pipe basenames.
type Registry struct {
	Dir string
	Key string
}

// EnsureDir creates the shared directory if needed. Every process
// sharing the namespace runs this, so an existing dir is fine.
func (r *Registry) EnsureDir() error {
	if err := os.MkdirAll(r.Dir, 0777); err != nil {
		return fmt.Errorf("cannot create shared namespace dir %s: %w", r.Dir, err)
	}
	return nil
}

// linkPath renders the shared-dir location of an abstract name.
func (r *Registry) linkPath(sun SunName) string {
	return filepath.Join(r.Dir, linkPrefix+transpose(sun.Path))
}

// Create makes the durable object binding sun to the pipe basename.
// The address must already be validated. A pre-existing object reports
// EADDRINUSE.
func (r *Registry) Create(sun SunName, pipeBase string) (*Backing, error) {
	if err := sun.Validate(); err != nil {
		return nil, err
	}
	if sun.IsAbstract() {
		return r.createAbstractLink(sun, pipeBase)
	}
	return r.createMarkerFile(sun, pipeBase)
}

func (r *Registry) createAbstractLink(sun SunName, pipeBase string) (*Backing, error) {
	if err := r.EnsureDir(); err != nil {
		return nil, err
	}
	link := r.linkPath(sun)
	err := os.Symlink(pipeBase, link)
	if errors.Is(err, fs.ErrExist) {
		// The link may be left over from a dead process. A live bind
		// wins only if the pipe behind the link is really gone.
		if target, rerr := os.Readlink(link); rerr == nil && !npipe.Exists(target) {
			log.Infof("name: reclaiming stale abstract link %s -> %s", link, target)
			os.Remove(link)
			err = os.Symlink(pipeBase, link)
		}
	}
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("abstract name %s taken: %w", sun, unix.EADDRINUSE)
		}
		return nil, fmt.Errorf("cannot create abstract link for %s: %w", sun, mapFSErr(err))
	}
	return &Backing{FilePath: link, Abstract: true}, nil
}

// markerPayload renders the marker file body: tag, GUID, then the
// length-prefixed, NUL-terminated pipe basename.
func markerPayload(pipeBase string) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, reparseTag)
	buf.Write(SocketGUID)
	binary.Write(buf, binary.LittleEndian, uint16(len(pipeBase)))
	buf.WriteString(pipeBase)
	buf.WriteByte(0)
	return buf.Bytes()
}

// parseMarker validates a marker body and returns the pipe basename.
func parseMarker(b []byte) (string, error) {
	head := 4 + len(SocketGUID) + 2
	if len(b) < head+1 {
		return "", fmt.Errorf("marker too short: %w", unix.EINVAL)
	}
	if binary.LittleEndian.Uint32(b[:4]) != reparseTag {
		return "", fmt.Errorf("not a socket marker: %w", unix.EINVAL)
	}
	if !bytes.Equal(b[4:4+len(SocketGUID)], SocketGUID) {
		return "", fmt.Errorf("marker GUID mismatch: %w", unix.EINVAL)
	}
	l := int(binary.LittleEndian.Uint16(b[4+len(SocketGUID) : head]))
	if head+l+1 > len(b) {
		return "", fmt.Errorf("marker name runs past the file: %w", unix.EINVAL)
	}
	return string(b[head : head+l]), nil
}

func (r *Registry) createMarkerFile(sun SunName, pipeBase string) (*Backing, error) {
	path := string(sun.Path)
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("path %s exists: %w", path, unix.EADDRINUSE)
	}

	// The marker appears at its final path atomically: the payload is
	// staged in the same directory and linked into place, the closest
	// filesystem analogue to a create inside a transaction. Transient
	// failures retry.
	perm := os.FileMode(0777 &^ Umask())
	staged := filepath.Join(filepath.Dir(path), fmt.Sprintf(".afunix-%s", guuid.New()))
	op := func() error {
		if err := os.WriteFile(staged, markerPayload(pipeBase), perm); err != nil {
			return backoff.Permanent(err)
		}
		// WriteFile honors the umask; the marker carries the full
		// requested bits.
		if err := os.Chmod(staged, perm); err != nil {
			return backoff.Permanent(err)
		}
		if err := os.Link(staged, path); err != nil {
			if errors.Is(err, fs.ErrExist) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return backoff.Permanent(err)
			}
			return err // transient, retried
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	os.Remove(staged)
	if err != nil {
		if perr := new(backoff.PermanentError); errors.As(err, &perr) {
			err = perr.Err
		}
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("path %s exists: %w", path, unix.EADDRINUSE)
		}
		return nil, fmt.Errorf("cannot create socket marker %s: %w", path, mapFSErr(err))
	}
	return &Backing{FilePath: path}, nil
}

// Autobind binds to a fresh abstract name of the form "\0XXXXX" with a
// 20-bit random id, retrying collisions until a create succeeds.
func (r *Registry) Autobind(pipeBase string) (SunName, *Backing, error) {
	for {
		id, err := randomID20()
		if err != nil {
			return SunName{}, nil, fmt.Errorf("autobind: %w", err)
		}
		sun := Abstract(fmt.Sprintf("%05X", id))
		b, err := r.createAbstractLink(sun, pipeBase)
		if err == nil {
			return sun, b, nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			return SunName{}, nil, err
		}
	}
}

func randomID20() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]) & 0xfffff, nil
}

// Open resolves a bound name to its pipe basename and socket type.
// A missing object reports ENOENT; an object that is not a socket of
// this emulation reports EINVAL.
func (r *Registry) Open(sun SunName) (string, byte, error) {
	if err := sun.Validate(); err != nil {
		return "", 0, err
	}

	var base string
	if sun.IsAbstract() {
		target, err := os.Readlink(r.linkPath(sun))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", 0, fmt.Errorf("abstract name %s: %w", sun, unix.ENOENT)
			}
			return "", 0, fmt.Errorf("abstract name %s: %w", sun, mapFSErr(err))
		}
		base = target
	} else {
		b, err := os.ReadFile(string(sun.Path))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", 0, fmt.Errorf("socket path %s: %w", sun, unix.ENOENT)
			}
			return "", 0, fmt.Errorf("socket path %s: %w", sun, mapFSErr(err))
		}
		base, err = parseMarker(b)
		if err != nil {
			return "", 0, fmt.Errorf("socket path %s: %w", sun, err)
		}
	}

	typ, err := PipeType(base)
	if err != nil {
		return "", 0, err
	}
	if r.Key != "" && !strings.HasPrefix(strings.ToLower(base), "cygwin-"+strings.ToLower(r.Key)) {
		// A foreign installation key still resolves; the pipe just
		// lives in another installation's namespace.
		log.V(2).Infof("name: %s resolves into foreign installation: %q", sun, base)
	}
	return base, typ, nil
}

// mapFSErr converts a filesystem failure to its errno once, at this
// boundary. Unknown failures report EIO.
func mapFSErr(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return unix.EACCES
	default:
		return unix.EIO
	}
}
