package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"bsky-scheduler/internal/adapters/repo"
	"bsky-scheduler/internal/adapters/session"
	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/config"
	"bsky-scheduler/internal/infra/db"
	httpinfra "bsky-scheduler/internal/infra/http"
	applog "bsky-scheduler/internal/infra/log"
	"bsky-scheduler/internal/infra/metrics"
	"bsky-scheduler/internal/usecase/rehost"
)

func main() {
	cfg := config.Load()
	log := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool, domain.ScheduleWindows{
		UploadLeadTime: cfg.Worker.UploadLeadTime,
		UploadLease:    cfg.Worker.UploadLease,
		MaxPostDelay:   cfg.Worker.MaxPostDelay,
		PublishLease:   cfg.Worker.PublishLease,
	})
	sessions := session.NewProvider(repoAdapter, cfg.Repo.Timeout)
	rehostService := rehost.NewService(sessions, log.With().Str("component", "rehost").Logger())

	srv := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	srv.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.BearerAuthMiddleware(cfg.InternalAPI.Token))

		protected.Post("/api/internal/threads/upload-blob", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req rehost.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.StoredThreadKey == "" || req.BlobCid == "" || req.BlobDid == "" || req.PostAsDid == "" {
				writeError(w, http.StatusBadRequest, "storedThreadKey, blobCid, blobDid and postAsDid are required")
				return
			}
			outcome, err := rehostService.UploadBlob(r.Context(), req)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrNotAuthenticated):
					writeError(w, http.StatusForbidden, "no stored session for account")
				case errors.Is(err, domain.ErrNotFound):
					writeError(w, http.StatusNotFound, "blob not found")
				default:
					log.Error().Err(err).Str("blob", req.BlobCid).Msg("api: перекладка блоба не удалась")
					writeError(w, http.StatusInternalServerError, "failed to upload blob")
				}
				return
			}
			writeJSON(w, outcome)
		})

		// Контур редактирования черновиков регистрирует задания и
		// материал сессий через эти маршруты; сам он живёт вне сервиса.
		protected.Post("/api/internal/threads", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req scheduleThreadRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.StoredThreadURI == "" || req.StoredThreadKey == "" || req.PostAsDid == "" {
				writeError(w, http.StatusBadRequest, "storedThreadUri, storedThreadKey and postAsDid are required")
				return
			}
			if err := repoAdapter.InsertThreadRef(r.Context(), domain.ThreadRef{
				StoredThreadURI:  req.StoredThreadURI,
				StoredThreadKey:  req.StoredThreadKey,
				PostAsDid:        req.PostAsDid,
				PrefetchBlobCIDs: req.PrefetchBlobCIDs,
				ScheduledFor:     req.ScheduledFor,
			}); err != nil {
				log.Error().Err(err).Str("uri", req.StoredThreadURI).Msg("api: не удалось зарегистрировать тред")
				writeError(w, http.StatusInternalServerError, "failed to register thread")
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})

		protected.Put("/api/internal/identities", func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()
			var req identityRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.Did == "" || req.ServiceURL == "" || req.AccessJWT == "" {
				writeError(w, http.StatusBadRequest, "did, serviceUrl and accessJwt are required")
				return
			}
			if err := repoAdapter.UpsertIdentity(r.Context(), domain.OwnerIdentity{
				Did:        req.Did,
				ServiceURL: req.ServiceURL,
				AccessJWT:  req.AccessJWT,
				RefreshJWT: req.RefreshJWT,
			}); err != nil {
				log.Error().Err(err).Str("did", req.Did).Msg("api: не удалось сохранить сессию")
				writeError(w, http.StatusInternalServerError, "failed to store identity")
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		})
	})

	go func() {
		log.Info().Msg("api: старт")
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type scheduleThreadRequest struct {
	StoredThreadURI  string     `json:"storedThreadUri"`
	StoredThreadKey  string     `json:"storedThreadKey"`
	PostAsDid        string     `json:"postAsDid"`
	PrefetchBlobCIDs []string   `json:"prefetchBlobCids"`
	ScheduledFor     *time.Time `json:"scheduledFor"`
}

type identityRequest struct {
	Did        string `json:"did"`
	ServiceURL string `json:"serviceUrl"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
