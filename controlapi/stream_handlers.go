package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/duskvale/streamd/core"
)

const requestTimeout = 10 * time.Second

// addStream implements add_stream (§6).
func addStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def core.StreamDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		id, err := d.Registry.AddStream(ctx, def)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]core.StreamId{"id": id})
	}
}

// removeStream implements remove_stream (§6): 202 Accepted, the completion
// handle itself is not exposed over HTTP (a subsequent get_stream 404
// confirms completion).
func removeStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.StreamId(r.PathValue("id"))

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		if _, err := d.Registry.RemoveStream(ctx, id); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// mutateStream implements mutate_stream (§4.6).
func mutateStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.StreamId(r.PathValue("id"))

		var def core.StreamDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		def.ID = id

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		if err := d.Registry.MutateStream(ctx, def); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listStreams implements list_streams (§6).
func listStreams(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Registry.ListStreams())
	}
}

// getStream implements get_stream (§6).
func getStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.StreamId(r.PathValue("id"))
		status, err := d.Registry.GetStream(id)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// startRecording implements start_recording (§6).
func startRecording(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.StreamId(r.PathValue("id"))
		sup, ok := d.Registry.Supervisor(id)
		if !ok {
			writeError(w, http.StatusNotFound, core.ErrNotFound.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		sessionID, err := sup.StartRecording(ctx)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
	}
}

// stopRecording implements stop_recording (§6).
func stopRecording(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.StreamId(r.PathValue("id"))
		sup, ok := d.Registry.Supervisor(id)
		if !ok {
			writeError(w, http.StatusNotFound, core.ErrNotFound.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		summary, err := sup.StopRecording(ctx)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// pauseRecording and resumeRecording expose the Recording Controller's
// pause/resume transitions (§4.3); not part of the Control API table but
// needed to actually drive those states from the operator surface.
func pauseRecording(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.StreamId(r.PathValue("id"))
		sup, ok := d.Registry.Supervisor(id)
		if !ok {
			writeError(w, http.StatusNotFound, core.ErrNotFound.Error())
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := sup.Pause(ctx); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func resumeRecording(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := core.StreamId(r.PathValue("id"))
		sup, ok := d.Registry.Supervisor(id)
		if !ok {
			writeError(w, http.StatusNotFound, core.ErrNotFound.Error())
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := sup.Resume(ctx); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeRegistryError maps the core error taxonomy (§7) to HTTP status codes.
func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrIDExists), errors.Is(err, core.ErrAlreadyRecording):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrInvalidURI), errors.Is(err, core.ErrCapacityExceeded):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotRecording), errors.Is(err, core.ErrNoStorage):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
