// Package emergencies exposes the emergency intake endpoints.
package emergencies

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kmarchand/hemonet/core/alloc"
	"github.com/kmarchand/hemonet/core/logger"
	"github.com/kmarchand/hemonet/core/model"
	"github.com/kmarchand/hemonet/core/store"
)

// Scheduler is the slice of the allocation scheduler the intake needs.
type Scheduler interface {
	Allocate(ctx context.Context, d model.Demand) (alloc.Result, error)
	Cancel(ctx context.Context, demandID string) error
}

// intakeRequest is the POST /api/emergencies payload.
type intakeRequest struct {
	HospitalID    string `json:"hospital_id"`
	BloodType     string `json:"blood_type"`
	UnitsRequired int    `json:"units_required"`
	Severity      string `json:"severity"`
}

// intakeResponse is returned on successful intake.
type intakeResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Reserved    int    `json:"reserved"`
	Outstanding int    `json:"outstanding"`
}

// statusResponse is the GET /api/emergencies/{id} payload.
type statusResponse struct {
	ID            string `json:"id"`
	HospitalID    string `json:"hospital_id"`
	BloodType     string `json:"blood_type"`
	UnitsRequired int    `json:"units_required"`
	Severity      string `json:"severity"`
	Status        string `json:"status"`
	Outstanding   int    `json:"outstanding"`
}

// NewHandler returns the HTTP handler for emergency intake and status.
func NewHandler(st *store.Store, sched Scheduler, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.NopLogger{}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/emergencies", func(w http.ResponseWriter, r *http.Request) {
		createEmergency(w, r, st, sched, log)
	})
	mux.HandleFunc("GET /api/emergencies/{id}", func(w http.ResponseWriter, r *http.Request) {
		emergencyStatus(w, r, st)
	})
	mux.HandleFunc("DELETE /api/emergencies/{id}", func(w http.ResponseWriter, r *http.Request) {
		cancelEmergency(w, r, st, sched, log)
	})
	return mux
}

func createEmergency(w http.ResponseWriter, r *http.Request, st *store.Store, sched Scheduler, log logger.Logger) {
	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	bt, err := model.ParseBloodType(req.BloodType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sev := model.SeverityHigh
	if req.Severity != "" {
		if sev, err = model.ParseSeverity(req.Severity); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	e := model.Emergency{
		ID:           uuid.NewString(),
		HospitalID:   req.HospitalID,
		RequiredType: bt,
		UnitsNeeded:  req.UnitsRequired,
		Severity:     sev,
		CreatedAt:    time.Now().UTC(),
		Status:       model.EmergencyOpen,
		Outstanding:  req.UnitsRequired,
	}
	if err := e.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := st.Location(e.HospitalID); err != nil {
		http.Error(w, "unknown hospital", http.StatusBadRequest)
		return
	}
	if err := st.PutEmergency(e); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	res, err := sched.Allocate(r.Context(), e.Demand(time.Time{}))
	if err != nil && !errors.Is(err, alloc.ErrInsufficientInventory) {
		log.Errorf("allocate emergency %s: %v", e.ID, err)
		http.Error(w, "allocation failed", http.StatusInternalServerError)
		return
	}

	got, gerr := st.Emergency(e.ID)
	if gerr != nil {
		got = e
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(intakeResponse{
		ID:          e.ID,
		Status:      got.Status.String(),
		Reserved:    res.Reserved,
		Outstanding: res.Missing,
	})
}

func emergencyStatus(w http.ResponseWriter, r *http.Request, st *store.Store) {
	e, err := st.Emergency(r.PathValue("id"))
	if err != nil {
		http.Error(w, "emergency not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		ID:            e.ID,
		HospitalID:    e.HospitalID,
		BloodType:     e.RequiredType.String(),
		UnitsRequired: e.UnitsNeeded,
		Severity:      e.Severity.String(),
		Status:        e.Status.String(),
		Outstanding:   e.Outstanding,
	})
}

func cancelEmergency(w http.ResponseWriter, r *http.Request, st *store.Store, sched Scheduler, log logger.Logger) {
	id := r.PathValue("id")
	e, err := st.Emergency(id)
	if err != nil {
		http.Error(w, "emergency not found", http.StatusNotFound)
		return
	}
	if err := sched.Cancel(r.Context(), id); err != nil && !errors.Is(err, alloc.ErrUnknownDemand) {
		log.Errorf("cancel emergency %s: %v", id, err)
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if err := st.SetEmergencyStatus(id, model.EmergencyCancelled, e.Outstanding); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
