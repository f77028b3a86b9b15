package core

import (
	"context"
	"encoding/json"
	"fmt"

	"nimbus/internal/targeting"
	"nimbus/pkg/domain"
)

// RecipeSchemaVersion is stamped into every published recipe.
const RecipeSchemaVersion = "1.12.0"

// Recipe is the document clients download and evaluate locally.
type Recipe struct {
	SchemaVersion      string         `json:"schemaVersion"`
	Slug               string         `json:"slug"`
	ID                 string         `json:"id"`
	AppName            string         `json:"appName"`
	AppID              string         `json:"appId"`
	Channel            string         `json:"channel"`
	UserFacingName     string         `json:"userFacingName"`
	IsEnrollmentPaused bool           `json:"isEnrollmentPaused"`
	IsRollout          bool           `json:"isRollout"`
	BucketConfig       *BucketConfig  `json:"bucketConfig"`
	Targeting          string         `json:"targeting"`
	FeatureIDs         []string       `json:"featureIds"`
	Branches           []RecipeBranch `json:"branches"`
	ProposedDuration   int            `json:"proposedDuration"`
	ProposedEnrollment int            `json:"proposedEnrollment"`
	ReferenceBranch    *string        `json:"referenceBranch"`
}

// BucketConfig locates the experiment's population in hash space.
type BucketConfig struct {
	RandomizationUnit domain.RandomizationUnit `json:"randomizationUnit"`
	Namespace         string                   `json:"namespace"`
	Start             int                      `json:"start"`
	Count             int                      `json:"count"`
	Total             int                      `json:"total"`
}

// RecipeBranch is one branch of the published recipe.
type RecipeBranch struct {
	Slug  string `json:"slug"`
	Ratio int    `json:"ratio"`
}

// BuildRecipe renders the published document for e. The allocation may be nil
// for experiments that were never allocated; the bucket config is then null.
func BuildRecipe(e Experiment, allocation *BucketAllocation, registry *targeting.Registry) (Recipe, error) {
	if registry == nil {
		return Recipe{}, fmt.Errorf("build recipe for %s: no targeting registry", e.Slug)
	}
	app, ok := domain.LookupApplication(e.Application)
	if !ok {
		return Recipe{}, fmt.Errorf("unknown application %q", e.Application)
	}
	expression, err := registry.Build(targeting.AttributesFor(e))
	if err != nil {
		return Recipe{}, fmt.Errorf("build targeting for %s: %w", e.Slug, err)
	}
	recipe := Recipe{
		SchemaVersion:      RecipeSchemaVersion,
		Slug:               e.Slug,
		ID:                 e.Slug,
		AppName:            app.AppName,
		AppID:              app.AppID,
		Channel:            string(e.Channel),
		UserFacingName:     e.Name,
		IsEnrollmentPaused: e.IsPaused,
		IsRollout:          e.IsRollout,
		Targeting:          expression,
		FeatureIDs:         append([]string{}, e.FeatureConfigs...),
		Branches:           []RecipeBranch{},
		ProposedDuration:   e.ProposedDuration,
		ProposedEnrollment: e.ProposedEnrollment,
	}
	if allocation != nil {
		recipe.BucketConfig = &BucketConfig{
			RandomizationUnit: allocation.Group.RandomizationUnit,
			Namespace:         fmt.Sprintf("%s-%d", allocation.Group.Name, allocation.Group.Instance),
			Start:             allocation.Range.Start,
			Count:             allocation.Range.Count,
			Total:             allocation.Group.Total,
		}
	}
	for _, b := range e.Branches() {
		recipe.Branches = append(recipe.Branches, RecipeBranch{Slug: b.Slug, Ratio: b.Ratio})
	}
	if e.ReferenceBranch != nil {
		ref := e.ReferenceBranch.Slug
		recipe.ReferenceBranch = &ref
	}
	return recipe, nil
}

func allocationIn(view TransactionView, experimentID string) *BucketAllocation {
	r, ok := view.FindBucketRange(experimentID)
	if !ok {
		return nil
	}
	g, ok := view.FindIsolationGroup(r.IsolationGroupID)
	if !ok {
		return nil
	}
	return &BucketAllocation{Range: r, Group: g}
}

func (s *Service) encodeRecipe(view TransactionView, e Experiment) (json.RawMessage, error) {
	recipe, err := BuildRecipe(e, allocationIn(view, e.ID), s.targeting)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(recipe)
	if err != nil {
		return nil, fmt.Errorf("encode recipe for %s: %w", e.Slug, err)
	}
	return data, nil
}

// BuildRecipe renders the recipe for the experiment's current state.
func (s *Service) BuildRecipe(ctx context.Context, id string) (json.RawMessage, error) {
	var data json.RawMessage
	err := s.run(ctx, "build_recipe", "", id, func(ctx context.Context) error {
		return s.store.View(ctx, func(v TransactionView) error {
			e, ok := v.FindExperiment(id)
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
			}
			var err error
			data, err = s.encodeRecipe(v, e)
			return err
		})
	})
	return data, err
}
