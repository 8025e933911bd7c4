package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dismissal-server-go/config"
	"dismissal-server-go/dayclock"
	"dismissal-server-go/db"
	"dismissal-server-go/handlers"
	"dismissal-server-go/models"
	"dismissal-server-go/session"
)

// Key checked to decide whether the directory needs demo data.
const classesKeyForCheck = "classes"

func main() {
	cfg, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize Redis Client
	redisClient, err := db.InitializeRedisClient(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer redisClient.Close()

	// Create Redis Service
	redisService := db.NewRedisService(redisClient)
	notifier := db.NewNotifier(redisClient)

	if cfg.SeedDemoData {
		checkAndSeedData(redisClient, redisService)
	}

	today := dayclock.NewResolver(redisService, cfg.Location, time.Now)
	sessions := session.NewManager(redisService, notifier, today, session.Options{
		ResyncInterval:     cfg.ResyncInterval,
		DisableIncremental: !cfg.IncrementalApply,
	})

	// Create API Handler (injecting the services)
	apiHandler := handlers.NewAPIHandler(sessions, redisService, redisService, today)

	// Initialize Gin router
	router := gin.Default()
	apiHandler.Register(router.Group("/api"))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on port %s (school day zone %s)", cfg.Port, cfg.SchoolTimezone)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to run server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	sessions.CloseAll()
}

// checkAndSeedData adds demo data when Redis holds no classrooms yet.
func checkAndSeedData(client *redis.Client, service *db.RedisService) {
	ctx := context.Background()
	count, err := client.SCard(ctx, classesKeyForCheck).Result()

	// redis.Nil also means the key does not exist
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("Warning: could not check for existing data (key: %s): %v. Skipping demo data.", classesKeyForCheck, err)
		return
	}

	if count == 0 {
		log.Printf("No classrooms found in Redis (key: '%s'). Adding demo data...", classesKeyForCheck)
		seedInitialData(ctx, service)
	} else {
		log.Printf("Found existing data in Redis (key: '%s', count: %d). Skipping demo data.", classesKeyForCheck, count)
	}
}

// seedInitialData adds a small demo school: two classrooms and three
// families, one of them with a child in each room.
func seedInitialData(ctx context.Context, s *db.RedisService) {
	log.Println("Adding demo data...")

	classrooms := []models.Classroom{
		{ID: "K_ROOM1", Name: "Kindergarten - Room 1", Order: 1},
		{ID: "G2_ROOM4", Name: "2nd Grade - Room 4", Order: 2},
	}
	for _, c := range classrooms {
		if err := s.AddClassroom(ctx, c); err != nil {
			log.Printf("Error adding demo classroom %s: %v", c.ID, err)
		}
	}

	families := []models.Family{
		{ID: "F_AVERY", CarpoolNumber: 12, ParentNames: "Pat & Sam Avery"},
		{ID: "F_BAKER", CarpoolNumber: 27, ParentNames: "Jordan Baker"},
		{ID: "F_CHEN", CarpoolNumber: 31, ParentNames: "Lin Chen"},
	}
	for _, f := range families {
		if err := s.AddFamily(ctx, f); err != nil {
			log.Printf("Error adding demo family %s: %v", f.ID, err)
		}
	}

	students := []models.Student{
		{ID: "S_AVERY_ZOE", FirstName: "Zoe", LastName: "Avery", ClassroomID: "K_ROOM1", FamilyID: "F_AVERY"},
		{ID: "S_AVERY_ADAM", FirstName: "Adam", LastName: "Avery", ClassroomID: "G2_ROOM4", FamilyID: "F_AVERY"},
		{ID: "S_BAKER_CLEO", FirstName: "Cleo", LastName: "Baker", ClassroomID: "K_ROOM1", FamilyID: "F_BAKER"},
		{ID: "S_CHEN_MAX", FirstName: "Max", LastName: "Chen", ClassroomID: "G2_ROOM4", FamilyID: "F_CHEN"},
	}
	for _, st := range students {
		if err := s.AddStudent(ctx, st); err != nil {
			log.Printf("Error adding demo student %s: %v", st.ID, err)
		}
	}

	log.Println("Demo data added.")
}
