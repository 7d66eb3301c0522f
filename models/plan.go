package models

// PlanOption describes a plan as it is offered on the landing and purchase pages.
type PlanOption struct {
	ID          Plan
	Label       string
	Price       string
	Period      string
	Description string
	Badge       string
	// Demo plans are issued instantly without a payment provider round trip.
	Demo bool
}

var planCatalogue = []PlanOption{
	{
		ID:          PlanMonthly,
		Label:       "Monthly",
		Price:       "$19",
		Period:      "/month",
		Description: "Billed monthly. Cancel anytime.",
		Demo:        true,
	},
	{
		ID:          PlanAnnual,
		Label:       "Annual",
		Price:       "$149",
		Period:      "/year",
		Description: "Save 35% vs monthly.",
		Badge:       "Best value",
	},
}

func Plans() []PlanOption {
	return append([]PlanOption(nil), planCatalogue...)
}

func PlanByID(id Plan) (PlanOption, bool) {
	for _, p := range planCatalogue {
		if p.ID == id {
			return p, true
		}
	}
	return PlanOption{}, false
}
