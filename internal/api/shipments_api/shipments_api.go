package shipments_api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/services/shipments"
	"github.com/BearBump/ShipBox/internal/storage/pgshipping"
)

// userIDHeader identifies the caller. Auth itself lives at the gateway in
// front of this service; here the header is trusted.
const userIDHeader = "X-User-ID"

type Service interface {
	CreateShipment(ctx context.Context, userID, noteID uuid.UUID, carrierCode string, pkg carrier.Package) (*models.Shipment, error)
	RefreshTracking(ctx context.Context, userID, shipmentID uuid.UUID) (*models.Shipment, error)
	GetShipment(ctx context.Context, userID, shipmentID uuid.UUID) (*models.Shipment, error)
	GetLabel(ctx context.Context, userID, shipmentID uuid.UUID) (*shipments.Label, error)
}

type ShipmentsAPI struct {
	svc Service
}

func New(svc Service) *ShipmentsAPI {
	return &ShipmentsAPI{svc: svc}
}

func (a *ShipmentsAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/shipments", a.createShipment)
	r.Get("/v1/shipments/{shipmentID}", a.getShipment)
	r.Post("/v1/shipments/{shipmentID}/refresh", a.refreshTracking)
	r.Get("/v1/shipments/{shipmentID}/label", a.getLabel)
	return r
}

type createShipmentRequest struct {
	NoteID  string `json:"noteId"`
	Carrier string `json:"carrier"`

	// Optional package dimensions; zero values fall back to note-sized
	// defaults.
	WeightKG float64 `json:"weightKg,omitempty"`
	LengthCM float64 `json:"lengthCm,omitempty"`
	WidthCM  float64 `json:"widthCm,omitempty"`
	HeightCM float64 `json:"heightCm,omitempty"`
}

type shipmentResponse struct {
	ID      string `json:"id"`
	NoteID  string `json:"noteId"`
	Carrier string `json:"carrier"`
	Status  string `json:"status"`

	CarrierShipmentID *string `json:"carrierShipmentId,omitempty"`
	TrackingNumber    *string `json:"trackingNumber,omitempty"`
	LastKnownEvent    *string `json:"lastKnownEvent,omitempty"`
	LastError         *string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type labelResponse struct {
	LabelData     string `json:"labelData,omitempty"`
	LabelImageURL string `json:"labelImageUrl,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *ShipmentsAPI) createShipment(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req createShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	noteID, err := uuid.Parse(req.NoteID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "noteId must be a UUID")
		return
	}
	if req.Carrier == "" {
		writeError(w, http.StatusBadRequest, "carrier is required")
		return
	}

	sh, err := a.svc.CreateShipment(r.Context(), userID, noteID, req.Carrier, carrier.Package{
		WeightKG: req.WeightKG,
		LengthCM: req.LengthCM,
		WidthCM:  req.WidthCM,
		HeightCM: req.HeightCM,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShipmentResponse(sh))
}

func (a *ShipmentsAPI) getShipment(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	shipmentID, ok := pathShipmentID(w, r)
	if !ok {
		return
	}

	sh, err := a.svc.GetShipment(r.Context(), userID, shipmentID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentResponse(sh))
}

func (a *ShipmentsAPI) refreshTracking(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	shipmentID, ok := pathShipmentID(w, r)
	if !ok {
		return
	}

	sh, err := a.svc.RefreshTracking(r.Context(), userID, shipmentID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentResponse(sh))
}

func (a *ShipmentsAPI) getLabel(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	shipmentID, ok := pathShipmentID(w, r)
	if !ok {
		return
	}

	l, err := a.svc.GetLabel(r.Context(), userID, shipmentID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, labelResponse{LabelData: l.Data, LabelImageURL: l.ImageURL})
}

func (a *ShipmentsAPI) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, carrier.ErrUnknownCarrier):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, shipments.ErrNoteNotFound), errors.Is(err, shipments.ErrShipmentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, shipments.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, shipments.ErrNotShippable), errors.Is(err, shipments.ErrCarrierRejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, shipments.ErrCarrierUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, shipments.ErrLabelNotReady), errors.Is(err, pgshipping.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("shipments api", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get(userIDHeader)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "X-User-ID must be a UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

func pathShipmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "shipmentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "shipment id must be a UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

func toShipmentResponse(sh *models.Shipment) shipmentResponse {
	return shipmentResponse{
		ID:                sh.ID.String(),
		NoteID:            sh.NoteID.String(),
		Carrier:           sh.Carrier,
		Status:            sh.Status,
		CarrierShipmentID: sh.CarrierShipmentID,
		TrackingNumber:    sh.TrackingNumber,
		LastKnownEvent:    sh.LastKnownEvent,
		LastError:         sh.LastError,
		CreatedAt:         sh.CreatedAt,
		UpdatedAt:         sh.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
