package dispatcher

import (
	"net/http"

	relay "github.com/relaystack/subrelay/internal"
)

// writeError writes the JSON error envelope for a sentinel error. Kept as
// a thin alias so call sites here read the same as before the envelope
// and classification moved to the shared relay package (internal/server
// needs the same mapping for its admission rejections).
func writeError(w http.ResponseWriter, err error) {
	relay.WriteError(w, err)
}
