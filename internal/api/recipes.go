package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/recipe"
)

// RecipeDetail is the response of GET /recipes/{name}.
type RecipeDetail struct {
	Recipe        recipe.Document `json:"recipe"`
	StepCount     int             `json:"step_count"`
	TotalDuration float64         `json:"total_duration_s"`
	Warnings      []string        `json:"warnings,omitempty"`
	Timeline      []TimelineEntry `json:"timeline,omitempty"`
}

// TimelineEntry is one planned step application.
type TimelineEntry struct {
	OffsetSec   float64         `json:"offset_s"`
	Position    recipe.Position `json:"position"`
	Label       string          `json:"label"`
	DurationSec float64         `json:"duration_s"`
	States      channel.States  `json:"states"`
}

// ValidationResult is the response of POST /recipes/validate.
type ValidationResult struct {
	Valid         bool     `json:"valid"`
	Name          string   `json:"name"`
	StepCount     int      `json:"step_count"`
	TotalDuration float64  `json:"total_duration_s"`
	Warnings      []string `json:"warnings,omitempty"`
}

// maxTimelineEntries caps the planned timeline returned inline. Longer runs
// report their totals without the per-step listing.
const maxTimelineEntries = 5000

// handleListRecipes lists the recipe library.
func (s *Server) handleListRecipes(w http.ResponseWriter, _ *http.Request) {
	lib := s.ctrl.Library()
	if lib == nil {
		writeJSON(w, http.StatusOK, map[string]any{"recipes": []recipe.Summary{}, "count": 0})
		return
	}
	list := lib.List()
	writeJSON(w, http.StatusOK, map[string]any{"recipes": list, "count": len(list)})
}

// handleGetRecipe returns one library recipe with its planned timeline.
func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	lib := s.ctrl.Library()
	if lib == nil {
		writeNotFound(w, "recipe not found: "+name)
		return
	}
	rec, err := lib.Get(name)
	if err != nil {
		writeRunError(w, err, nil)
		return
	}

	table := s.ctrl.Table()
	detail := RecipeDetail{
		Recipe:        rec.Document(table.Bank()),
		StepCount:     rec.StepCount(),
		TotalDuration: rec.TotalDuration().Seconds(),
		Warnings:      rec.Lint(table.Bank()),
	}
	if rec.StepCount() <= maxTimelineEntries {
		entries, err := rec.Timeline(table)
		if err != nil {
			// Library recipes were validated on load; a failure here means
			// the interlock table changed underneath them.
			writeRunError(w, err, nil)
			return
		}
		detail.Timeline = make([]TimelineEntry, len(entries))
		for i, e := range entries {
			detail.Timeline[i] = TimelineEntry{
				OffsetSec:   e.Offset.Seconds(),
				Position:    e.Position,
				Label:       e.Label,
				DurationSec: e.Duration.Seconds(),
				States:      e.States,
			}
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleValidateRecipe checks a recipe document against the bank and the
// interlock table without starting it.
func (s *Server) handleValidateRecipe(w http.ResponseWriter, r *http.Request) {
	var doc recipe.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	rec, err := s.resolveAndValidate(doc)
	if err != nil {
		writeRunError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ValidationResult{
		Valid:         true,
		Name:          rec.Name,
		StepCount:     rec.StepCount(),
		TotalDuration: rec.TotalDuration().Seconds(),
		Warnings:      rec.Lint(s.ctrl.Table().Bank()),
	})
}

// resolveAndValidate turns an uploaded document into a validated recipe.
func (s *Server) resolveAndValidate(doc recipe.Document) (*recipe.Recipe, error) {
	table := s.ctrl.Table()
	rec, err := doc.Resolve(table.Bank())
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(table); err != nil {
		return nil, err
	}
	return rec, nil
}
