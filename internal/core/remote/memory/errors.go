package memory

import "errors"

var ErrOwnerImmutable = errors.New("session owner cannot change")
