package cmd

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/joho/godotenv"

	"spoolgo/api"
)

// Serve starts the HTTP API server
func Serve() error {
	// Load .env file if it exists (ignore errors if it doesn't)
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	mux := http.NewServeMux()

	// CORS middleware
	corsMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	mux.HandleFunc("/api/rows", api.GetRows(st))
	mux.HandleFunc("/api/rows/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/status"):
			api.GetRowStatus(st)(w, r)
		case strings.HasSuffix(r.URL.Path, "/submit"):
			api.PostSubmit(st)(w, r)
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			api.PostCancel(st)(w, r)
		default:
			api.GetRow(st)(w, r)
		}
	})
	mux.HandleFunc("/api/runners", api.GetRunners(st))
	mux.HandleFunc("/api/events", api.SSEHandler())

	serverAddr := ":" + port
	log.Printf("🚀 Starting spoolgo server on port %s...", port)
	log.Printf("📊 API: http://localhost:%s/api/rows", port)

	if err := http.ListenAndServe(serverAddr, corsMiddleware(mux)); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}
