package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/talha-yousuf/gatekeep-backend/internal/http/middleware"
	"github.com/talha-yousuf/gatekeep-backend/internal/http/response"
	"github.com/talha-yousuf/gatekeep-backend/internal/repository"
	"github.com/talha-yousuf/gatekeep-backend/internal/service"
)

var flagKeyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,127}$`)

type FlagHandler struct {
	svc *service.FlagService
}

func NewFlagHandler(svc *service.FlagService) *FlagHandler {
	return &FlagHandler{svc: svc}
}

// EvaluateAll is the public client endpoint: a map of every flag key to its
// decision for the given user.
func (h *FlagHandler) EvaluateAll(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "user_id is required", nil)
		return
	}
	results, err := h.svc.EvaluateAll(r.Context(), userID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to evaluate feature flags", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, results)
}

func (h *FlagHandler) EvaluateOne(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "user_id is required", nil)
		return
	}
	key := service.NormalizeKey(chi.URLParam(r, "key"))
	if !flagKeyRe.MatchString(key) {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid feature flag key", nil)
		return
	}
	value, err := h.svc.Evaluate(r.Context(), key, userID)
	if err != nil {
		if errors.Is(err, repository.ErrFlagNotFound) {
			response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "feature flag not found", nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to evaluate feature flag", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"key": key, "user_id": userID, "value": value})
}

func (h *FlagHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	flags := h.svc.ListFlags(r.Context())
	items := make([]flagView, 0, len(flags))
	for _, f := range flags {
		items = append(items, newFlagView(f))
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"items": items})
}

func (h *FlagHandler) CreateFlag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key               string `json:"key"`
		Description       string `json:"description"`
		Enabled           bool   `json:"enabled"`
		DefaultValue      bool   `json:"default_value"`
		RolloutPercentage int    `json:"rollout_percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	key := service.NormalizeKey(body.Key)
	if !flagKeyRe.MatchString(key) {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid feature flag key", nil)
		return
	}
	flag, err := h.svc.CreateFlag(r.Context(), service.CreateFlagInput{
		Key:               key,
		Description:       body.Description,
		Enabled:           body.Enabled,
		DefaultValue:      body.DefaultValue,
		RolloutPercentage: body.RolloutPercentage,
	}, middleware.ActorID(r))
	if err != nil {
		if errors.Is(err, repository.ErrFlagKeyConflict) {
			response.Error(w, r, http.StatusConflict, "CONFLICT", "feature flag already exists", nil)
			return
		}
		if errors.Is(err, service.ErrInvalidRolloutPercentage) {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to create feature flag", nil)
		return
	}
	response.JSON(w, r, http.StatusCreated, flag)
}

func (h *FlagHandler) UpdateFlag(w http.ResponseWriter, r *http.Request) {
	flagID, err := parsePathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid flag id", nil)
		return
	}
	var body struct {
		Description       *string `json:"description"`
		Enabled           *bool   `json:"enabled"`
		DefaultValue      *bool   `json:"default_value"`
		RolloutPercentage *int    `json:"rollout_percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	flag, err := h.svc.UpdateFlag(r.Context(), flagID, service.UpdateFlagInput{
		Description:       body.Description,
		Enabled:           body.Enabled,
		DefaultValue:      body.DefaultValue,
		RolloutPercentage: body.RolloutPercentage,
	}, middleware.ActorID(r))
	if err != nil {
		if errors.Is(err, repository.ErrFlagNotFound) {
			response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "feature flag not found", nil)
			return
		}
		if errors.Is(err, service.ErrInvalidRolloutPercentage) {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to update feature flag", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, flag)
}

func (h *FlagHandler) DeleteFlag(w http.ResponseWriter, r *http.Request) {
	flagID, err := parsePathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid flag id", nil)
		return
	}
	if err := h.svc.DeleteFlag(r.Context(), flagID, middleware.ActorID(r)); err != nil {
		if errors.Is(err, repository.ErrFlagNotFound) {
			response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "feature flag not found", nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to delete feature flag", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (h *FlagHandler) AddTargetedUser(w http.ResponseWriter, r *http.Request) {
	flagID, err := parsePathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid flag id", nil)
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.svc.AddTargetedUser(r.Context(), flagID, body.UserID, middleware.ActorID(r)); err != nil {
		if errors.Is(err, repository.ErrFlagNotFound) {
			response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "feature flag not found", nil)
			return
		}
		if errors.Is(err, service.ErrEmptyUserID) {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to add targeted user", nil)
		return
	}
	response.JSON(w, r, http.StatusCreated, map[string]any{"flag_id": flagID, "user_id": strings.TrimSpace(body.UserID)})
}

func (h *FlagHandler) RemoveTargetedUser(w http.ResponseWriter, r *http.Request) {
	flagID, err := parsePathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid flag id", nil)
		return
	}
	userID := chi.URLParam(r, "user_id")
	if err := h.svc.RemoveTargetedUser(r.Context(), flagID, userID, middleware.ActorID(r)); err != nil {
		if errors.Is(err, repository.ErrFlagNotFound) {
			response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "feature flag not found", nil)
			return
		}
		if errors.Is(err, service.ErrEmptyUserID) {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to remove targeted user", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"removed": true})
}

func (h *FlagHandler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	flagID, err := parsePathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid flag id", nil)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid limit", nil)
			return
		}
	}
	entries, err := h.svc.GetAuditLogs(r.Context(), flagID, limit)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to load audit log", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"items": entries})
}

type flagView struct {
	ID                uint     `json:"id"`
	Key               string   `json:"key"`
	Description       string   `json:"description"`
	Enabled           bool     `json:"enabled"`
	DefaultValue      bool     `json:"default_value"`
	RolloutPercentage int      `json:"rollout_percentage"`
	TargetedUsers     []string `json:"targeted_users"`
}

func newFlagView(f *service.CachedFlag) flagView {
	return flagView{
		ID:                f.ID,
		Key:               f.Key,
		Description:       f.Description,
		Enabled:           f.Enabled,
		DefaultValue:      f.DefaultValue,
		RolloutPercentage: f.RolloutPercentage,
		TargetedUsers:     f.TargetedUserList(),
	}
}

func parsePathID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}
