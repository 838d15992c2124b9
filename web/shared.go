package web

import (
	"encoding/json"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"net/http"
)

type StatsResponse struct {
	Category string         `json:"category"`
	Counts   map[string]int `json:"counts"`
	Total    int            `json:"total"`
}

func NewStatsResponse(category string, counts map[state.JobStatus]int) StatsResponse {
	resp := StatsResponse{Category: category, Counts: make(map[string]int, len(counts))}
	for status, n := range counts {
		resp.Counts[status.String()] = n
		resp.Total += n
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func printBanner(addr, category, instance string) {
	width := 46
	fmt.Println("##############################################")
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Printf("# %-*s #\n", width-4, "rollqueue consumer "+instance)
	fmt.Printf("# %-*s #\n", width-4, "category "+category)
	fmt.Printf("# %-*s #\n", width-4, fmt.Sprintf("metrics on %s", addr))
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Println("##############################################")
}
