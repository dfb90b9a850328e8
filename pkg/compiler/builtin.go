package compiler

// DefaultTemplateID is the built-in end-to-end planning template.
const DefaultTemplateID = "demand-plan"

// builtinTemplates returns the templates every compiler starts with.
func builtinTemplates() []*Template {
	return []*Template{
		{
			ID:          DefaultTemplateID,
			Description: "Forecast demand, check policy bounds, allocate greedily, then explain and record the result.",
			Steps: []TemplateStep{
				{
					ID:       "forecast-demand",
					Type:     "forecast",
					Required: true,
					Inputs: map[string]interface{}{
						"series": "$series.demand",
					},
				},
				{
					ID:   "check-bounds",
					Type: "policy",
					Inputs: map[string]interface{}{
						"values":  "step.forecast-demand.output.forecast",
						"floor":   "$series?.floor",
						"ceiling": "$series?.ceiling",
					},
				},
				{
					ID:       "allocate",
					Type:     "optimize",
					Required: true,
					Inputs: map[string]interface{}{
						"demand": "step.forecast-demand.output.forecast",
						"budget": "$series?.budget",
					},
				},
				{
					ID:   "summarize",
					Type: "explain",
					Inputs: map[string]interface{}{
						"forecast":   "step.forecast-demand.output",
						"policy":     "step.check-bounds.output",
						"allocation": "step.allocate.output",
					},
				},
				{
					ID:       "audit",
					Type:     "evidence",
					Required: true,
					Inputs: map[string]interface{}{
						"allocation": "step.allocate.output",
						"summary":    "step.summarize.output.summary",
					},
				},
			},
		},
		{
			ID:          "diagnose-plan",
			Description: "Demand plan with a diagnose branch that proposes relaxations when allocation falls short.",
			Steps: []TemplateStep{
				{
					ID:       "forecast-demand",
					Type:     "forecast",
					Required: true,
					Inputs: map[string]interface{}{
						"series": "$series.demand",
					},
				},
				{
					ID:   "allocate",
					Type: "optimize",
					Inputs: map[string]interface{}{
						"demand":      "step.forecast-demand.output.forecast",
						"budget":      "$series?.budget",
						"min_service": "$series?.min_service",
					},
				},
				// The subject comes from the forecast, not the allocation, so
				// the diagnose branch still runs when allocate fails and can
				// propose the relaxation a re-planned run needs.
				{
					ID:   "diagnose-shortfall",
					Type: "diagnose",
					Inputs: map[string]interface{}{
						"subject": "step.forecast-demand.output",
						"budget":  "$series?.budget",
					},
				},
				{
					ID:       "summarize",
					Type:     "explain",
					Required: true,
					Inputs: map[string]interface{}{
						"forecast":   "step.forecast-demand.output",
						"allocation": "step.allocate.output",
					},
				},
			},
		},
	}
}
