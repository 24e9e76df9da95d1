/*
Package creds provides the process credential lookups used by the socket
emulation: who am I, and who is the process on the other end of a pipe.

The emulation stores a Cred per connected socket. Until a credential
exchange happens on the wire, that Cred holds the NoPeer sentinel values.
*/
package creds

import (
	"fmt"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/process"
)

// ID represents a numeric ID. Go libraries store IDs such as Uid or Gid
// variously as string, int or int32; this unifies them for whatever
// translation is needed.
type ID int

// String returns the ID as a string.
func (i ID) String() string {
	return strconv.Itoa(int(i))
}

// Int returns the ID as an int.
func (i ID) Int() int {
	return int(i)
}

// Int32 returns the ID as an int32.
func (i ID) Int32() int32 {
	return int32(i)
}

// Cred identifies a process.
type Cred struct {
	// PID is the process id of the process.
	PID ID
	// UID is the effective user id of the process.
	UID ID
	// GID is the effective group id of the process.
	GID ID
}

// NoPeer is the credential a socket carries before any peer credential
// has been exchanged: pid 0, uid and gid -1.
func NoPeer() Cred {
	return Cred{PID: 0, UID: -1, GID: -1}
}

// Provider looks up credentials. The socket layer depends on this
// interface only; Default is the production implementation.
type Provider interface {
	// Current returns the credentials of the calling process.
	Current() Cred
	// Process returns the credentials of an arbitrary live process.
	Process(pid int) (Cred, error)
}

// Default is the Provider backed by the local process table.
var Default Provider = procTable{}

type procTable struct{}

func (procTable) Current() Cred {
	return Cred{
		PID: ID(os.Getpid()),
		UID: ID(os.Geteuid()),
		GID: ID(os.Getegid()),
	}
}

func (procTable) Process(pid int) (Cred, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Cred{}, fmt.Errorf("no such process %d: %w", pid, err)
	}
	uids, err := p.Uids()
	if err != nil {
		return Cred{}, fmt.Errorf("cannot read uids of %d: %w", pid, err)
	}
	gids, err := p.Gids()
	if err != nil {
		return Cred{}, fmt.Errorf("cannot read gids of %d: %w", pid, err)
	}
	// Index 1 is the effective id on every platform gopsutil fills.
	c := Cred{PID: ID(pid)}
	if len(uids) > 1 {
		c.UID = ID(uids[1])
	}
	if len(gids) > 1 {
		c.GID = ID(gids[1])
	}
	return c, nil
}
