package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
)

// MakeHandler builds the read-only status router, the same shape as the
// teacher's worker/api.MakeHandler: one chi.Router, one kithttp.NewServer
// per route, a shared JSON encoder.
func MakeHandler(svc StatusService) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError),
	}

	mux := chi.NewRouter()

	mux.Get("/devices", kithttp.NewServer(
		MakeSnapshotEndpoint(svc),
		decodeEmptyRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Get("/devices/{task_id}", kithttp.NewServer(
		MakeDeviceEndpoint(svc),
		decodeDeviceRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Get("/operations", kithttp.NewServer(
		MakeOperationsEndpoint(svc),
		decodeEmptyRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	return mux
}

func decodeEmptyRequest(_ context.Context, _ *http.Request) (interface{}, error) {
	return nil, nil
}

func decodeDeviceRequest(_ context.Context, r *http.Request) (interface{}, error) {
	raw := chi.URLParam(r, "task_id")
	taskID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, errors.New("task_id must be a non-negative integer")
	}

	return DeviceRequestDTO{TaskID: taskID}, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json")

	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrDeviceNotFound) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
