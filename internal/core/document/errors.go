package document

import "errors"

var (
	ErrStoreNotReady = errors.New("document store not ready")
	ErrExists        = errors.New("record already exists")
	ErrNotFound      = errors.New("record not found")
)
