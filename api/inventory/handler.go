// Package inventory exposes read-only inventory snapshots.
package inventory

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

// unitView is the wire shape of one unit in a snapshot.
type unitView struct {
	ID        string    `json:"id"`
	BloodType string    `json:"blood_type"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// snapshot is the GET /api/inventory payload for one location.
type snapshot struct {
	LocationID string         `json:"location_id"`
	Kind       string         `json:"kind"`
	Counts     map[string]int `json:"available_by_type"`
	Units      []unitView     `json:"units"`
}

// NewHandler returns the HTTP handler for inventory queries. Without a
// location filter it returns a snapshot per known location.
func NewHandler(st *store.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/inventory", func(w http.ResponseWriter, r *http.Request) {
		if loc := r.URL.Query().Get("location"); loc != "" {
			l, err := st.Location(loc)
			if err != nil {
				http.Error(w, "location not found", http.StatusNotFound)
				return
			}
			writeJSON(w, snapshotFor(st, l))
			return
		}
		var out []snapshot
		for _, l := range st.Locations() {
			out = append(out, snapshotFor(st, l))
		}
		writeJSON(w, out)
	})
	return mux
}

func snapshotFor(st *store.Store, l model.Location) snapshot {
	s := snapshot{
		LocationID: l.ID,
		Kind:       l.Kind.String(),
		Counts:     make(map[string]int),
		Units:      []unitView{},
	}
	for _, vu := range st.Inventory(l.ID) {
		u := vu.Unit
		s.Units = append(s.Units, unitView{
			ID:        u.ID,
			BloodType: u.Type.String(),
			Status:    u.Status.String(),
			ExpiresAt: u.ExpiresAt,
		})
		if u.Status == model.UnitAvailable {
			s.Counts[u.Type.String()]++
		}
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
