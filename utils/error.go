package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorConflict marks invariant violations (double decide, duplicate pending
// request). Handlers map it to 409 instead of 500.
var ErrorConflict = errors.New("conflict")
