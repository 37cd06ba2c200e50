package pktype

import "errors"

var (
	// ErrUnknownDatatype is returned by ParseDatatype for an unrecognised tag.
	ErrUnknownDatatype = errors.New("unknown partition-key datatype")
	// ErrWrongDatatype is returned when a value does not match a partition
	// key's declared datatype at a backend boundary.
	ErrWrongDatatype = errors.New("value does not match partition-key datatype")
)
