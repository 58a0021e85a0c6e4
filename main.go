package main

import (
	"collabdocs-server/collab"
	"collabdocs-server/core"
	"collabdocs-server/handlers/api/documents"
	"collabdocs-server/handlers/api/revisions"
	"collabdocs-server/handlers/api/rooms"
	"collabdocs-server/handlers/websocket"
	"collabdocs-server/middleware"
	"collabdocs-server/presence"
	"collabdocs-server/stores"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const shutdownTimeout = 10 * time.Second

func allowedOrigins() []string {
	raw := os.Getenv("CORS_ORIGIN")
	if raw == "" {
		raw = "http://localhost:3000"
	}
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func setupRouter(documentStore core.DocumentStore, registry *presence.Registry, roomRegistry core.RoomRegistry, origins []string, jwtSecret []byte) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Writes are protected only when a secret is configured.
	protect := func(r chi.Router) chi.Router { return r }
	if len(jwtSecret) > 0 {
		protect = func(r chi.Router) chi.Router { return r.With(middleware.AuthJWT(jwtSecret)) }
	}

	r.Route("/api/documents", func(r chi.Router) {
		r.Get("/", documents.HandleList(documentStore))
		protect(r).Post("/", documents.HandleCreate(documentStore))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", documents.HandleGet(documentStore))
			protect(r).Delete("/", documents.HandleDelete(documentStore, registry))

			// Revision history is only kept by the SQLite store
			if revisionStore, ok := documentStore.(revisions.RevisionStore); ok {
				r.Get("/revisions", revisions.HandleListRevisions(revisionStore))
				r.Get("/revisions/{version}", revisions.HandleGetRevision(revisionStore))
			}
		})
	})

	r.Get("/api/rooms", rooms.HandleList(registry, roomRegistry))

	return r
}

func waitForShutdown(srv *http.Server, ioo *socketio.Server, documentStore core.DocumentStore) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down...")

	ioo.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}

	if closer, ok := documentStore.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close document store")
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":4000", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	documentStore := stores.GetStore()
	var roomRegistry core.RoomRegistry
	if rr, ok := documentStore.(core.RoomRegistry); ok {
		roomRegistry = rr
	}

	registry := presence.NewRegistry()
	dispatcher := collab.NewDispatcher(registry)
	controller := collab.NewController(registry, dispatcher, collab.NewResolver(documentStore), roomRegistry)

	origins := allowedOrigins()
	r := setupRouter(documentStore, registry, roomRegistry, origins, []byte(os.Getenv("API_JWT_SECRET")))
	ioo := websocket.SetupSocketIO(controller, origins)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, ioo, documentStore)
}
