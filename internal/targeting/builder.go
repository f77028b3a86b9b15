package targeting

import (
	"fmt"
	"strings"

	"nimbus/pkg/domain"
)

// Attributes are the experiment fields that feed the targeting expression.
type Attributes struct {
	Application         domain.Application
	Channel             domain.Channel
	TargetingConfigSlug string
	MinVersion          string
	MaxVersion          string
	Locales             []string
	Languages           []string
	Countries           []string
	IsSticky            bool
	IsFirstRun          bool
	ExcludedExperiments []string
	RequiredExperiments []string
}

// AttributesFor extracts the targeting attributes of an experiment.
func AttributesFor(e domain.Experiment) Attributes {
	return Attributes{
		Application:         e.Application,
		Channel:             e.Channel,
		TargetingConfigSlug: e.TargetingConfigSlug,
		MinVersion:          e.FirefoxMinVersion,
		MaxVersion:          e.FirefoxMaxVersion,
		Locales:             e.Locales,
		Languages:           e.Languages,
		Countries:           e.Countries,
		IsSticky:            e.IsSticky,
		IsFirstRun:          e.IsFirstRun,
		ExcludedExperiments: e.ExcludedExperiments,
		RequiredExperiments: e.RequiredExperiments,
	}
}

// Build renders the targeting expression for a. Clauses are parenthesised and
// joined with &&. Channel and version checks are always evaluated; the
// remaining clauses are skipped for clients already enrolled when the
// experiment (or its targeting config) is sticky. An experiment with no
// constraints targets everyone ("true").
func (r *Registry) Build(a Attributes) (string, error) {
	app, ok := domain.LookupApplication(a.Application)
	if !ok {
		return "", fmt.Errorf("unknown application %q", a.Application)
	}
	var cfg Config
	if a.TargetingConfigSlug != "" {
		cfg, ok = r.Lookup(a.TargetingConfigSlug)
		if !ok {
			return "", fmt.Errorf("unknown targeting config %q", a.TargetingConfigSlug)
		}
		if !cfg.SupportsApplication(a.Application) {
			return "", fmt.Errorf("targeting config %s is not available for %s", cfg.Slug, a.Application)
		}
	}

	var always []string
	if app.DesktopChannels && a.Channel != domain.ChannelNone {
		always = append(always, fmt.Sprintf("browserSettings.update.channel == %s", quote(string(a.Channel))))
	}
	if a.MinVersion != "" {
		always = append(always, fmt.Sprintf("%s|versionCompare(%s) >= 0", app.VersionAttribute, quote(a.MinVersion)))
	}
	if a.MaxVersion != "" {
		always = append(always, fmt.Sprintf("%s|versionCompare(%s) <= 0", app.VersionAttribute, quote(a.MaxVersion)))
	}

	var sticky []string
	if strings.TrimSpace(cfg.Targeting) != "" {
		sticky = append(sticky, cfg.Targeting)
	}
	if len(a.Locales) > 0 {
		sticky = append(sticky, "locale in "+list(a.Locales))
	}
	if len(a.Languages) > 0 {
		sticky = append(sticky, "language in "+list(a.Languages))
	}
	if len(a.Countries) > 0 {
		sticky = append(sticky, "region in "+list(a.Countries))
	}
	if a.IsFirstRun && !cfg.IsFirstRunRequired {
		if app.DesktopChannels {
			sticky = append(sticky, "isFirstStartup")
		} else {
			sticky = append(sticky, "is_first_run")
		}
	}
	for _, slug := range a.ExcludedExperiments {
		sticky = append(sticky, fmt.Sprintf("!(%s in enrollments)", quote(slug)))
	}
	for _, slug := range a.RequiredExperiments {
		sticky = append(sticky, fmt.Sprintf("%s in enrollments", quote(slug)))
	}

	clauses := always
	if len(sticky) > 0 {
		if a.IsSticky || cfg.StickyRequired {
			clauses = append(clauses, "(is_already_enrolled) || ("+join(sticky)+")")
		} else {
			clauses = append(clauses, sticky...)
		}
	}
	if len(clauses) == 0 {
		return "true", nil
	}
	return join(clauses), nil
}

func join(clauses []string) string {
	parts := make([]string, len(clauses))
	for i, c := range clauses {
		parts[i] = "(" + c + ")"
	}
	return strings.Join(parts, " && ")
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

func list(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
