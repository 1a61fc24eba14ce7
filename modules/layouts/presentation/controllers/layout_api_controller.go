package controllers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/presentation/controllers/dtos"
	"github.com/iota-uz/dashsync/modules/layouts/services"
	"github.com/iota-uz/dashsync/pkg/httpapi"
	"github.com/iota-uz/dashsync/pkg/logging"
	"github.com/iota-uz/dashsync/pkg/middleware"
)

const maxBodyBytes = 1 << 20

type LayoutAPIController struct {
	layouts   *services.LayoutService
	log       *logrus.Entry
	apiPrefix string
}

func NewLayoutAPIController(layouts *services.LayoutService, log *logrus.Entry) *LayoutAPIController {
	if log == nil {
		log = logging.Nop()
	}
	return &LayoutAPIController{
		layouts:   layouts,
		log:       log,
		apiPrefix: "/layouts/api",
	}
}

func (c *LayoutAPIController) Key() string {
	return c.apiPrefix
}

func (c *LayoutAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()

	api.HandleFunc("/layouts/{layout}/regions", c.instrumentAPI("layouts.regions.list", c.ListRegions)).Methods(http.MethodGet)
	api.HandleFunc("/layouts/{layout}/regions", c.instrumentAPI("layouts.regions.create", c.CreateRegion)).Methods(http.MethodPost)
	api.HandleFunc("/layouts/{layout}/regions:reorder", c.instrumentAPI("layouts.regions.reorder", c.ReorderRegions)).Methods(http.MethodPost)
	api.HandleFunc("/layouts/{layout}/regions/{id}", c.instrumentAPI("layouts.regions.update", c.UpdateRegion)).Methods(http.MethodPatch)
	api.HandleFunc("/layouts/{layout}/regions/{id}", c.instrumentAPI("layouts.regions.delete", c.DeleteRegion)).Methods(http.MethodDelete)
	api.HandleFunc("/layouts/{layout}/regions/{id}/link", c.instrumentAPI("layouts.regions.link", c.LinkRegion)).Methods(http.MethodPut)
	api.HandleFunc("/layouts/{layout}/regions/{id}/link", c.instrumentAPI("layouts.regions.unlink", c.UnlinkRegion)).Methods(http.MethodDelete)

	api.HandleFunc("/roles/{role}/defaults", c.instrumentAPI("layouts.roles.defaults", c.GetRoleDefaults)).Methods(http.MethodGet)
}

func (c *LayoutAPIController) ListRegions(w http.ResponseWriter, r *http.Request) {
	layoutID := mux.Vars(r)["layout"]
	list, err := c.layouts.List(r.Context(), layoutID)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, dtos.RegionsResponse{LayoutID: layoutID, Regions: list})
}

func (c *LayoutAPIController) CreateRegion(w http.ResponseWriter, r *http.Request) {
	var req services.CreateRequest
	if err := httpapi.DecodeJSON(r, maxBodyBytes, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "LAYOUT_INVALID_BODY", err.Error())
		return
	}
	rm, err := c.layouts.Create(r.Context(), mux.Vars(r)["layout"], req)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", dtos.FormatVersion(rm.Version))
	_ = httpapi.WriteJSON(w, http.StatusCreated, rm)
}

func (c *LayoutAPIController) UpdateRegion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	rawVersion := r.Header.Get(dtos.VersionHeader)
	if strings.TrimSpace(rawVersion) == "" {
		writeAPIError(w, r, http.StatusPreconditionRequired, "LAYOUT_VERSION_REQUIRED", dtos.VersionHeader+" header is required")
		return
	}
	expected, err := dtos.ParseVersion(rawVersion)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "LAYOUT_INVALID_VERSION", dtos.VersionHeader+" header is invalid")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		writeAPIError(w, r, http.StatusBadRequest, "LAYOUT_INVALID_BODY", "merge patch body is required")
		return
	}

	rm, err := c.layouts.Update(r.Context(), vars["layout"], vars["id"], body, expected)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", dtos.FormatVersion(rm.Version))
	_ = httpapi.WriteJSON(w, http.StatusOK, rm)
}

func (c *LayoutAPIController) DeleteRegion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := c.layouts.Delete(r.Context(), vars["layout"], vars["id"]); err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *LayoutAPIController) ReorderRegions(w http.ResponseWriter, r *http.Request) {
	var req dtos.ReorderRequest
	if err := httpapi.DecodeJSON(r, maxBodyBytes, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "LAYOUT_INVALID_BODY", err.Error())
		return
	}
	if err := c.layouts.Reorder(r.Context(), mux.Vars(r)["layout"], services.ReorderDTO{IDs: req.IDs}); err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *LayoutAPIController) LinkRegion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var link region.Linkage
	if err := httpapi.DecodeJSON(r, maxBodyBytes, &link); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "LAYOUT_INVALID_BODY", err.Error())
		return
	}
	if err := c.layouts.Link(r.Context(), vars["layout"], vars["id"], link); err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *LayoutAPIController) UnlinkRegion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := c.layouts.Unlink(r.Context(), vars["layout"], vars["id"]); err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *LayoutAPIController) GetRoleDefaults(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	templates, err := c.layouts.RoleDefaults(r.Context(), role)
	if err != nil {
		c.writeServiceError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, dtos.TemplatesResponse{Role: role, Regions: templates})
}

func (c *LayoutAPIController) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *services.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		meta := requestMeta(r)
		meta["expected"] = strconv.FormatInt(conflict.Expected, 10)
		meta["actual"] = strconv.FormatInt(conflict.Actual, 10)
		_ = httpapi.WriteJSON(w, http.StatusConflict, dtos.APIError{
			Code:    services.ErrVersionConflict.Code,
			Message: conflict.Error(),
			Meta:    meta,
			Region:  conflict.Remote,
		})
	case errors.Is(err, services.ErrRegionLocked):
		writeAPIError(w, r, http.StatusUnprocessableEntity, services.ErrRegionLocked.Code, err.Error())
	case errors.Is(err, services.ErrValidationRejected):
		writeAPIError(w, r, http.StatusUnprocessableEntity, services.ErrValidationRejected.Code, err.Error())
	case errors.Is(err, services.ErrUnknownRole):
		writeAPIError(w, r, http.StatusNotFound, services.ErrUnknownRole.Code, err.Error())
	case errors.Is(err, services.ErrNotFound):
		writeAPIError(w, r, http.StatusNotFound, services.ErrNotFound.Code, err.Error())
	default:
		middleware.Logger(r.Context(), c.log).WithError(err).Error("layout api request failed")
		writeAPIError(w, r, http.StatusInternalServerError, "LAYOUT_INTERNAL", "internal error")
	}
}

func requestMeta(r *http.Request) map[string]string {
	meta := map[string]string{}
	if id := middleware.RequestID(r.Context()); id != "" {
		meta["request_id"] = id
	}
	return meta
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	_ = httpapi.WriteJSON(w, status, dtos.APIError{
		Code:    code,
		Message: message,
		Meta:    requestMeta(r),
	})
}
