package fingerprint

import "errors"

// ErrUnhashableFragment is returned when a fragment cannot be parsed into a
// canonical form. Callers drop the offending fragment and
// continue with its siblings.
var ErrUnhashableFragment = errors.New("unhashable fragment")
