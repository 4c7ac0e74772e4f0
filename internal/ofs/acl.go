package ofs

import (
	"strconv"
	"strings"
)

// Permissions is the combined result of evaluating an ACL (spec §4.6
// step 6: "ACL may grant read/write/write-once/browse/update/chmod/
// not-delete/egroup").
type Permissions struct {
	Read      bool
	Write     bool
	WriteOnce bool
	Browse    bool
	Update    bool
	Chmod     bool
	NotDelete bool
}

// Grant merges another Permissions' grants into p (ACL entries are
// additive: any matching entry that grants a right wins).
func (p *Permissions) Grant(o Permissions) {
	p.Read = p.Read || o.Read
	p.Write = p.Write || o.Write
	p.WriteOnce = p.WriteOnce || o.WriteOnce
	p.Browse = p.Browse || o.Browse
	p.Update = p.Update || o.Update
	p.Chmod = p.Chmod || o.Chmod
	p.NotDelete = p.NotDelete || o.NotDelete
}

// aclEntry is one parsed "qualifier:id:flags" clause.
type aclEntry struct {
	qualifier string // "u", "g", or "egroup"
	id        string
	perms     Permissions
}

func parsePerms(flags string) Permissions {
	var p Permissions
	for _, f := range flags {
		switch f {
		case 'r':
			p.Read = true
		case 'w':
			p.Write = true
		case 'o':
			p.WriteOnce = true
		case 'b':
			p.Browse = true
		case 'u':
			p.Update = true
		case 'c':
			p.Chmod = true
		case 'd':
			p.NotDelete = true
		}
	}
	return p
}

// ParseACL parses a comma-separated sys.acl/user.acl value into
// entries. Malformed clauses are skipped rather than erroring, since a
// single bad clause must not break access to every other rule in the
// list.
func ParseACL(value string) []aclEntry {
	var entries []aclEntry
	for _, clause := range strings.Split(value, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		parts := strings.SplitN(clause, ":", 3)
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, aclEntry{qualifier: parts[0], id: parts[1], perms: parsePerms(parts[2])})
	}
	return entries
}

// Evaluate combines sysEntries and userEntries against id, matching
// "u:<uid>", "g:<gid>", and "egroup:<name>" qualifiers (egroup matches
// against id.Prot as a stand-in for e-group membership expansion,
// which is an external directory-service lookup out of scope here).
func Evaluate(sysEntries, userEntries []aclEntry, id Identity) Permissions {
	var out Permissions
	match := func(entries []aclEntry) {
		for _, e := range entries {
			switch e.qualifier {
			case "u":
				if e.id == strconv.FormatUint(uint64(id.UID), 10) {
					out.Grant(e.perms)
				}
			case "g":
				if e.id == strconv.FormatUint(uint64(id.GID), 10) {
					out.Grant(e.perms)
				}
				for _, g := range id.GIDList {
					if e.id == strconv.FormatUint(uint64(g), 10) {
						out.Grant(e.perms)
					}
				}
			case "egroup":
				if e.id == id.Prot {
					out.Grant(e.perms)
				}
			}
		}
	}
	match(sysEntries)
	match(userEntries)
	return out
}

// OwnerAuthMatches reports whether id's protocol identity appears in
// the comma-separated sys.owner.auth value (spec §4.6 step 6: "if the
// caller's prot:dn or prot:name matches any entry, remap the effective
// uid/gid to the directory's uid/gid").
func OwnerAuthMatches(value string, id Identity) bool {
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == id.Prot {
			return true
		}
	}
	return false
}
