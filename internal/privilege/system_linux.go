//go:build linux

package privilege

import (
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// System returns a Dropper backed by the process credentials. The set*id
// calls apply to every thread of the process.
func System() *Dropper {
	return &Dropper{
		Getuid:    unix.Getuid,
		Geteuid:   unix.Geteuid,
		Setgroups: unix.Setgroups,
		Setgid:    unix.Setgid,
		Setuid:    unix.Setuid,
		Seteuid: func(euid int) error {
			return unix.Setresuid(-1, euid, -1)
		},
		LookupEnv:  os.LookupEnv,
		PrimaryGID: primaryGID,
	}
}

func primaryGID(uid int) (int, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Gid)
}
