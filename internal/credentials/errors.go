package credentials

import "errors"

var (
	ErrNotFound       = errors.New("credential not found")
	ErrSealedMaterial = errors.New("sealed material cannot be opened")
	ErrBadMaterial    = errors.New("invalid credential material")
)
