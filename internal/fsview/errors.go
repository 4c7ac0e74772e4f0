package fsview

import "errors"

// errInvalidFsID is returned by RegisterFileSystem for the reserved
// "no filesystem" id.
var errInvalidFsID = errors.New("fsview: fsid 0 is reserved")
