package variant

import "errors"

// ErrVariantExplosion is returned when a conjunct set exceeds
// Options.ConfigurableBound. Callers may fall back to a single
// whole-WHERE fragment instead of the full subset lattice.
var ErrVariantExplosion = errors.New("variant explosion")
