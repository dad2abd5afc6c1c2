package broadcast

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotArmed means a real send was requested while the safety interlock is
// engaged: dry_run must be off AND armed must be on before anything leaves
// the process.
var ErrNotArmed = errors.New("broadcast: not armed (enable safety.armed and disable safety.dry_run)")

// ErrNotReady means the transport's readiness probe itself failed, so no
// destination state could be established.
var ErrNotReady = errors.New("broadcast: transport not ready")

// WhitelistError reports destinations outside the configured whitelist.
// Any violation aborts the whole broadcast before any action is created.
type WhitelistError struct {
	Destinations []string
}

func (e *WhitelistError) Error() string {
	return fmt.Sprintf("broadcast: destinations not whitelisted: %s",
		strings.Join(e.Destinations, ", "))
}
