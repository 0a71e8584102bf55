package main

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clinicops/queue-engine/internal/config"
	"clinicops/queue-engine/internal/directory"
	"clinicops/queue-engine/internal/display"
	"clinicops/queue-engine/internal/engine"
	"clinicops/queue-engine/internal/httpapi"
	"clinicops/queue-engine/internal/hub"
	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/schedule"
	"clinicops/queue-engine/internal/store"
	"clinicops/queue-engine/internal/store/memory"
	"clinicops/queue-engine/internal/store/postgres"
	"clinicops/queue-engine/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("queue-engine", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("load timezone %s: %v", cfg.Timezone, err)
	}

	var tickets store.TicketStore
	var settings store.SettingsStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		pg := postgres.NewStore(pool)
		tickets, settings = pg, pg
	} else {
		log.Printf("DB_DSN not set, using in-memory store")
		mem := memory.NewStore()
		tickets, settings = mem, mem
	}

	var patients engine.PatientDirectory = directory.AllowAll{}
	if cfg.PatientServiceURL != "" {
		patients = directory.NewPatientClient(cfg.PatientServiceURL, cfg.CollaboratorTimeout)
	}
	var departments engine.DepartmentDirectory = directory.AllowAll{}
	if cfg.DepartmentServiceURL != "" {
		departments = directory.NewDepartmentClient(cfg.DepartmentServiceURL, cfg.CollaboratorTimeout)
	}

	queue := engine.New(tickets, settings, patients, departments, engine.Options{
		Location:            location,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
	})

	feed := display.NewFeed(queue, display.Options{
		NextUpLimit: cfg.DisplayNextUpLimit,
		MaxAge:      cfg.DisplayMaxAge,
	})

	scheduler := schedule.New(queue, settings, location)
	if err := scheduler.Start(context.Background()); err != nil {
		log.Printf("reset scheduler error: %v", err)
	}
	defer scheduler.Stop()

	h := hub.New()

	handler := httpapi.NewHandler(queue, feed, settings)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:         cfg.RateLimitPerMinute,
		IPBurst:             cfg.RateLimitBurst,
		DepartmentPerMinute: cfg.DepartmentRateLimitPerMinute,
		DepartmentBurst:     cfg.DepartmentRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/display/", displayHandler(h))
	mux.Handle("/", handler.Routes())

	chain := otelhttp.NewHandler(
		httpapi.LoggingMiddleware(limiter.Middleware(httpapi.AuthMiddleware(cfg.StaffToken, mux))),
		"queue-engine",
	)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      chain,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	pollCtx, stopPoll := context.WithCancel(context.Background())
	defer stopPoll()
	go pollBoards(pollCtx, queue, feed, h, cfg.DisplayPollInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func displayHandler(h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/display", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.Subscribe(client, "")
				continue
			}
			h.Subscribe(client, parsed.DepartmentID)
		}
	})
}

type queueLister interface {
	Today(ctx context.Context, departmentID string) ([]models.Ticket, error)
}

// pollBoards refreshes the board for every department seen today and pushes
// changed boards to subscribed displays.
func pollBoards(ctx context.Context, queue queueLister, feed *display.Feed, h *hub.Hub, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var mu sync.Mutex
	last := make(map[string][]byte)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tickets, err := queue.Today(reqCtx, "")
		if err != nil {
			cancel()
			log.Printf("board poll error: %v", err)
			continue
		}

		seen := make(map[string]bool)
		for _, ticket := range tickets {
			if seen[ticket.DepartmentID] {
				continue
			}
			seen[ticket.DepartmentID] = true

			board, err := feed.Refresh(reqCtx, ticket.DepartmentID)
			if err != nil {
				log.Printf("board refresh department=%s error: %v", ticket.DepartmentID, err)
				continue
			}
			payload, err := json.Marshal(board)
			if err != nil {
				continue
			}
			mu.Lock()
			changed := !bytes.Equal(last[ticket.DepartmentID], payload)
			if changed {
				last[ticket.DepartmentID] = payload
			}
			mu.Unlock()
			if changed {
				h.Broadcast(payload, ticket.DepartmentID)
			}
		}
		cancel()
	}
}
