package bom

import (
	"fmt"
	"strings"
)

const systemInstruction = `You are an experienced general contractor and cost estimator.
Given photos of a space and a project description, list the materials needed to complete the project.
Reply with JSON only, matching this shape:
{"items":[{"name":string,"category":string,"quantity":number,"unit":string,"estimated_unit_price":number,"notes":string}],
 "labor_hours":number,"notes":string,"confidence":number}
Use generic product names a supplier would recognise, US units, and prices in USD.
confidence is between 0 and 1.`

var tierGuidance = map[BudgetTier]string{
	TierEconomy:  "Choose builder-grade, lowest-cost materials that still meet code.",
	TierStandard: "Choose mid-range materials typical of a quality renovation.",
	TierPremium:  "Choose high-end, designer-grade finishes and fixtures.",
}

// BuildPrompt assembles the user prompt for a generation request.
func BuildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project type: %s\n", in.ProjectType)
	if in.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Description)
	}
	if in.Dimensions != "" {
		fmt.Fprintf(&b, "Dimensions: %s\n", in.Dimensions)
	}
	fmt.Fprintf(&b, "Budget tier: %s. %s\n", in.BudgetTier, tierGuidance[in.BudgetTier])
	if in.ZipCode != "" {
		fmt.Fprintf(&b, "Location ZIP code: %s. Adjust prices to local market rates.\n", in.ZipCode)
	}
	fmt.Fprintf(&b, "%d photo(s) of the space are attached.\n", len(in.Images))
	b.WriteString("Include consumables (fasteners, adhesives, sealants) and account for 10% waste on cut materials.")
	return b.String()
}
