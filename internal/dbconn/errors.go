package dbconn

import "errors"

// ErrSetup is wrapped around any failure that happens while establishing or
// validating a connection (bad DSN, unreachable database, missing
// extension). Setup failures are fatal and propagate to the process that
// calls Open, unlike every other error boundary in this module.
var ErrSetup = errors.New("database setup failed")
