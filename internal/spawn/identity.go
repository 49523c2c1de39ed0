package spawn

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Identity is a uid/gid pair a process runs as.
type Identity struct {
	UID int
	GID int
}

var geteuid = os.Geteuid

// CurrentIdentity returns the user that invoked vessel. When running as root
// through sudo this is the original user, not root.
func CurrentIdentity() (Identity, error) {
	if geteuid() == 0 {
		uid, uidOK := os.LookupEnv("SUDO_UID")
		gid, gidOK := os.LookupEnv("SUDO_GID")
		if uidOK && gidOK {
			parsedUID, err := strconv.Atoi(uid)
			if err != nil {
				return Identity{}, fmt.Errorf("parse SUDO_UID %q: %w", uid, err)
			}
			parsedGID, err := strconv.Atoi(gid)
			if err != nil {
				return Identity{}, fmt.Errorf("parse SUDO_GID %q: %w", gid, err)
			}
			return Identity{UID: parsedUID, GID: parsedGID}, nil
		}
	}
	return Identity{UID: os.Getuid(), GID: os.Getgid()}, nil
}

// credential returns the credential switch needed to become id, or nil when
// no switch is needed or possible.
func (id *Identity) credential() *syscall.Credential {
	if id == nil || geteuid() != 0 {
		return nil
	}
	if id.UID == 0 && id.GID == 0 {
		return nil
	}
	return &syscall.Credential{
		Uid:    uint32(id.UID),
		Gid:    uint32(id.GID),
		Groups: []uint32{},
	}
}
