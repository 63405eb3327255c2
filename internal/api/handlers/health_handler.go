package handlers

import (
	"net/http"
	"time"
)

// HealthResponse - ответ /health
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// Health - проверка живости процесса
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	newResponder(nil).respondWithJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
	})
}
