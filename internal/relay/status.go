package relay

import (
	"net/http"
	"sort"

	json "github.com/segmentio/encoding/json"

	"github.com/dustin/go-humanize"
)

// tunnelStatus is the JSON shape of one row in the status endpoint's
// response (a supplemented feature: spec.md itself has no admin surface,
// but original_source/pipegate/server.py's operators had no visibility
// into which tunnels were live, which this restores in Go idiom).
type tunnelStatus struct {
	ConnectionID string `json:"connectionId"`
	Attached     bool   `json:"attached"`
	QueueDepth   int    `json:"queueDepth"`
	Age          string `json:"age"`
}

// StatusHandler serves GET /debug/tunnels: a snapshot of every live
// tunnel's attachment state, queue depth, and age, sorted by connection
// id for stable output.
func (rl *Relay) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		tunnels := rl.Registry.Enumerate()
		rows := make([]tunnelStatus, 0, len(tunnels))
		for _, t := range tunnels {
			rows = append(rows, tunnelStatus{
				ConnectionID: t.ConnectionID,
				Attached:     t.Attached(),
				QueueDepth:   t.QueueDepth(),
				Age:          humanize.Time(t.CreatedAt()),
			})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].ConnectionID < rows[j].ConnectionID })

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(struct {
			Tunnels []tunnelStatus `json:"tunnels"`
			Count   int            `json:"count"`
		}{rows, len(rows)}); err != nil {
			rl.Logger.Printf("relay: status: %v", err)
		}
	})
}
