package model

import "errors"

var (
	// ErrUndefinedReference is returned when a named ACL or IP space is missing from the
	// supplied definitions.
	ErrUndefinedReference = errors.New("undefined reference")
	// ErrCircularReference is returned when resolving named ACLs or IP spaces loops back
	// onto a name that is still being resolved.
	ErrCircularReference = errors.New("circular reference")
)
