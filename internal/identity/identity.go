package identity

import "strconv"

// MasterSubject is the JWT subject used for the master identity.
const MasterSubject = "master"

// Identity is either the singleton master superuser or a regular user.
// Master has no row in storage and bypasses every tenant and menu check.
type Identity struct {
	master   bool
	userID   uint
	username string
}

// Master returns the singleton master identity.
func Master() Identity {
	return Identity{master: true, username: MasterSubject}
}

// User returns the identity of a regular user.
func User(id uint, username string) Identity {
	return Identity{userID: id, username: username}
}

// IsMaster reports whether this is the master identity.
func (i Identity) IsMaster() bool {
	return i.master
}

// UserID returns the user id and false for master (master has no id).
func (i Identity) UserID() (uint, bool) {
	if i.master {
		return 0, false
	}
	return i.userID, true
}

// Username returns the login name ("master" for the master identity).
func (i Identity) Username() string {
	return i.username
}

// Subject returns the JWT subject for this identity.
func (i Identity) Subject() string {
	if i.master {
		return MasterSubject
	}
	return strconv.FormatUint(uint64(i.userID), 10)
}
