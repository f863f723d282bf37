package main

import (
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/skillforge/backend/internal/auth"
	"github.com/skillforge/backend/internal/database"
	"github.com/skillforge/backend/internal/middleware"
	"github.com/skillforge/backend/internal/rewards"
)

func main() {
	// Initialize database
	db, err := database.Connect()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize handlers
	authHandler := auth.NewHandler(db)
	rewardsStore := rewards.NewStore(db)
	rewardsService := rewards.NewService(rewardsStore)
	rewardsHandler := rewards.NewHandler(rewardsService)

	// Setup router
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	// Public routes
	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST")

	// Protected routes
	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware)
	protected.HandleFunc("/auth/me", authHandler.GetCurrentUser).Methods("GET")

	// Rewards engine
	protected.HandleFunc("/rewards/quiz", rewardsHandler.IngestQuiz).Methods("POST")
	protected.HandleFunc("/rewards/course", rewardsHandler.IngestCourse).Methods("POST")
	protected.HandleFunc("/rewards/event-token", rewardsHandler.NewEventToken).Methods("POST")
	protected.HandleFunc("/rewards/stats", rewardsHandler.GetStats).Methods("GET")
	protected.HandleFunc("/rewards/streak/reconcile", rewardsHandler.ReconcileStreak).Methods("POST")

	// Admin
	protected.HandleFunc("/admin/rewards/audit/{userId}", rewardsHandler.AuditUser).Methods("POST")
	protected.HandleFunc("/admin/rewards/reset/{userId}", rewardsHandler.ResetUser).Methods("POST")
	protected.HandleFunc("/admin/rewards/release/{userId}", rewardsHandler.ReleaseHold).Methods("POST")
	protected.HandleFunc("/admin/rewards/settings/invalidate", rewardsHandler.InvalidateSettings).Methods("POST")

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	handler := c.Handler(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
