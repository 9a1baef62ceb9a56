package weave

import "errors"

//#region errors

var (
	ErrBadAddress = errors.New("address must be exactly 32 bytes")
)

//#endregion errors
