package ingest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/geo/r2"

	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/httpx"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

// maxSurveyedLeaves bounds the leaves one request may mark.
const maxSurveyedLeaves = 1 << 16

// SurveyedArea is a grid-metre rectangle covered by a surveyed surface.
type SurveyedArea struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Extents returns the cells the area covers.
func (a SurveyedArea) Extents(cellSize float64) (subgridtree.CellExtents, error) {
	if a.MaxX <= a.MinX || a.MaxY <= a.MinY {
		return subgridtree.CellExtents{}, errors.New("surveyed area must have positive width and height")
	}
	rect := r2.RectFromPoints(r2.Point{X: a.MinX, Y: a.MinY}, r2.Point{X: a.MaxX, Y: a.MaxY})
	extents, ok := filter.SpatialFilter{Rect: &rect}.Footprint(cellSize)
	if !ok {
		return subgridtree.CellExtents{}, errors.New("surveyed area lies outside the grid")
	}
	leavesX := uint64(extents.MaxX/subgridtree.Dimension-extents.MinX/subgridtree.Dimension) + 1
	leavesY := uint64(extents.MaxY/subgridtree.Dimension-extents.MinY/subgridtree.Dimension) + 1
	if leavesX*leavesY > maxSurveyedLeaves {
		return subgridtree.CellExtents{}, errors.New("surveyed area too large")
	}
	return extents, nil
}

// HandleSurveyed marks the leaves under a surveyed surface so queries visit
// them even without production data.
func (h *Handler) HandleSurveyed(w http.ResponseWriter, r *http.Request) {
	project, err := ProjectID(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var area SurveyedArea
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&area); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	m, _, err := h.models.GetOrCreate(r.Context(), project)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	extents, err := area.Extents(m.CellSize)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	n := m.MarkSurveyed(extents)
	h.logger.Info("surveyed surface marked", "project", project.String(), "leaves", n)
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"leaves": n, "surveyed_bits": m.Stats().Surveyed})
}
