package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"soundboard-server/internal/catalog"
)

// Sound metadata CRUD. These routes are the origin of the soundAdded and
// soundDeleted events multiplexed onto the websocket connections; deleting
// the currently playing sound also forces a stop broadcast.

func (s *Server) listSoundsHandler(w http.ResponseWriter, r *http.Request) {
	sounds, err := s.catalog.List(r.Context())
	if err != nil {
		log.Printf("Failed to list sounds: %v", err)
		http.Error(w, "Failed to list sounds", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sounds)
}

func (s *Server) createSoundHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := ValidateSoundName(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sound, err := s.catalog.Add(r.Context(), req.Name, req.Filename)
	if err != nil {
		log.Printf("Failed to add sound %q: %v", req.Name, err)
		http.Error(w, "Failed to add sound", http.StatusInternalServerError)
		return
	}

	s.registry.BroadcastAll(newSoundAddedMessage(sound))

	writeJSON(w, http.StatusCreated, sound)
}

func (s *Server) deleteSoundHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid sound id", http.StatusBadRequest)
		return
	}

	if err := s.catalog.Delete(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			http.Error(w, "Sound not found", http.StatusNotFound)
			return
		}
		log.Printf("Failed to delete sound %d: %v", id, err)
		http.Error(w, "Failed to delete sound", http.StatusInternalServerError)
		return
	}

	// Force-stop before announcing the deletion so no client is left
	// holding a nowPlaying for a sound it can no longer fetch.
	s.stopIfPlaying(id)
	s.registry.BroadcastAll(newSoundDeletedMessage(id))

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}
