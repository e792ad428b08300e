package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"stemtube/backend"
)

const AppVersion = "1.0.0"

// Health check
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": AppVersion,
	})
}

func (s *Server) handleGetVersion(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"version": AppVersion})
}

// errorResponse maps backend errors onto HTTP status codes.
func (s *Server) errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, backend.ErrInvalidInput):
		status = fiber.StatusBadRequest
	case errors.Is(err, backend.ErrPipelineBusy), errors.Is(err, backend.ErrOutputDirBusy):
		status = fiber.StatusConflict
	case errors.Is(err, backend.ErrJobNotFound), errors.Is(err, backend.ErrHistoryEntryNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, backend.ErrNoNetwork):
		status = fiber.StatusServiceUnavailable
	}
	body := fiber.Map{"error": err.Error()}
	var je *backend.JobError
	if errors.As(err, &je) {
		body["error"] = je.Message
		body["kind"] = je.Kind
		if je.Item != "" {
			body["item"] = je.Item
		}
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(body)
}

func (s *Server) badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// ============== Job Handlers ==============

// PipelineRequest submits a vocal removal job. Unset options fall back to
// the saved settings.
type PipelineRequest struct {
	URL                 string `json:"url" validate:"required_without=LocalPath,omitempty,url"`
	LocalPath           string `json:"localPath" validate:"required_without=URL"`
	OutputDir           string `json:"outputDir"`
	AudioFormat         string `json:"audioFormat" validate:"omitempty,oneof=wav mp3 flac m4a ogg"`
	Model               string `json:"model" validate:"omitempty,oneof=htdemucs_ft htdemucs htdemucs_6s"`
	ProduceVideo        *bool  `json:"produceVideo"`
	KeepVocals          *bool  `json:"keepVocals"`
	EnhancedSuppression *bool  `json:"enhancedSuppression"`
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

func (s *Server) handleSubmitPipeline(c *fiber.Ctx) error {
	var req PipelineRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return s.badRequest(c, err.Error())
	}

	if req.URL != "" && backend.IsPlaylistURL(req.URL) {
		// A watch URL inside a playlist still names one video.
		if _, err := backend.ParseYouTubeURL(req.URL); err != nil {
			return s.badRequest(c, "Playlist URLs must be submitted as a batch")
		}
	}

	cfg := s.currentConfig()
	if req.OutputDir == "" {
		req.OutputDir = cfg.OutputDirectory
	}
	format := backend.FormatSelection{
		AudioFormat: firstNonEmpty(req.AudioFormat, cfg.AudioFormat),
		Model:       firstNonEmpty(req.Model, cfg.DemucsModel),
	}
	flags := backend.FeatureFlags{
		ProduceVideo:        boolOr(req.ProduceVideo, cfg.ProduceVideo),
		KeepVocals:          boolOr(req.KeepVocals, cfg.KeepVocals),
		EnhancedSuppression: boolOr(req.EnhancedSuppression, cfg.EnhancedSuppression),
	}

	h, err := s.manager.SubmitPipelineJob(
		backend.SourceDescriptor{URL: req.URL, LocalPath: req.LocalPath},
		req.OutputDir, format, flags)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": h.ID()})
}

// BatchRequest submits a batch download of explicit items or of a
// playlist filtered by Selection.
type BatchRequest struct {
	Items       []backend.WorkItem `json:"items" validate:"required_without=PlaylistURL,dive"`
	PlaylistURL string             `json:"playlistUrl" validate:"required_without=Items,omitempty,url"`
	Selection   backend.Selection  `json:"selection"`
	Concurrency int                `json:"concurrency" validate:"gte=0,lte=16"`
	Quality     string             `json:"quality" validate:"omitempty,oneof=audio best 1080p 720p 480p 360p"`
	OutputDir   string             `json:"outputDir"`
}

func (s *Server) handleSubmitBatch(c *fiber.Ctx) error {
	var req BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return s.badRequest(c, err.Error())
	}

	cfg := s.currentConfig()
	items := make([]backend.WorkItem, len(req.Items))
	for i, it := range req.Items {
		if it.ID == "" {
			it.ID, _ = backend.ParseYouTubeURL(it.URL)
		}
		if it.Position == 0 {
			it.Position = i + 1
		}
		items[i] = it
	}
	if len(items) == 0 {
		if !backend.IsPlaylistURL(req.PlaylistURL) {
			return s.badRequest(c, "URL does not contain a playlist")
		}
		if s.playlists == nil {
			return s.badRequest(c, "Playlist listing is not available")
		}
		limit := 0
		if cfg.LimitPlaylist {
			limit = cfg.PlaylistLimit
		}
		info, err := s.playlists.ListPlaylist(c.Context(), req.PlaylistURL, limit)
		if err != nil {
			return s.errorResponse(c, err)
		}
		items = info.Items
	}
	items = req.Selection.Apply(items)
	if len(items) == 0 {
		return s.badRequest(c, "No items match the selection")
	}

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = cfg.ConcurrentDownloads
	}
	format := backend.FormatSelection{VideoQuality: firstNonEmpty(req.Quality, cfg.VideoQuality)}
	outputDir := firstNonEmpty(req.OutputDir, cfg.OutputDirectory)

	h, err := s.manager.SubmitBatchJob(items, concurrency, format, outputDir)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": h.ID(), "items": len(items)})
}

func (s *Server) handleListJobs(c *fiber.Ctx) error {
	return c.JSON(s.manager.List())
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	h, ok := s.manager.Get(c.Params("id"))
	if !ok {
		return s.errorResponse(c, backend.ErrJobNotFound)
	}
	return c.JSON(h.Snapshot())
}

func (s *Server) handleStopJob(c *fiber.Ctx) error {
	if err := s.manager.Stop(c.Params("id")); err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
}

// ============== Playlist Handlers ==============

func (s *Server) handleGetPlaylist(c *fiber.Ctx) error {
	rawURL := c.Query("url")
	if rawURL == "" {
		return s.badRequest(c, "Missing url parameter")
	}
	if s.playlists == nil {
		return s.badRequest(c, "Playlist listing is not available")
	}
	limit, err := strconv.Atoi(c.Query("limit", "0"))
	if err != nil || limit < 0 {
		return s.badRequest(c, "Invalid limit")
	}
	info, err := s.playlists.ListPlaylist(c.Context(), rawURL, limit)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(info)
}

// ============== History Handlers ==============

func (s *Server) handleGetHistory(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "0"))
	return c.JSON(s.history.GetRecent(limit))
}

func (s *Server) handleGetHistoryStats(c *fiber.Ctx) error {
	return c.JSON(s.history.GetStats())
}

func (s *Server) handleSearchHistory(c *fiber.Ctx) error {
	return c.JSON(s.history.Search(c.Query("q")))
}

func (s *Server) handleDeleteHistoryEntry(c *fiber.Ctx) error {
	if err := s.history.Delete(c.Params("id")); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleClearHistory(c *fiber.Ctx) error {
	if err := s.history.Clear(); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// ============== Config Handlers ==============

func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(s.currentConfig())
}

func (s *Server) handleSaveConfig(c *fiber.Ctx) error {
	cfg := s.currentConfig()
	if err := c.BodyParser(&cfg); err != nil {
		return s.badRequest(c, "Invalid request body")
	}
	if err := cfg.Validate(); err != nil {
		return s.badRequest(c, err.Error())
	}
	if s.configPath != "" {
		if err := backend.SaveConfigTo(s.configPath, &cfg); err != nil {
			return s.errorResponse(c, err)
		}
	}

	s.configMu.Lock()
	*s.config = cfg
	s.configMu.Unlock()

	s.logger.Info("settings updated")
	return c.JSON(cfg)
}

// ============== Dependency Handlers ==============

func (s *Server) handleGetDependencies(c *fiber.Ctx) error {
	if s.tools == nil {
		return c.JSON([]backend.DependencyStatus{})
	}
	return c.JSON(s.tools.CheckDependencies(backend.AllTools...))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
