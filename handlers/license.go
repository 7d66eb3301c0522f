package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/models"
)

const (
	renewalFailed  = "Failed to create renewal session. Please try again."
	demoFailed     = "Failed to create demo license. Please try again."
	checkoutFailed = "Failed to start checkout. Please try again."
)

// Dashboard refreshes the user on every visit. A failed refresh signs the
// user out, so the visit ends on the sign-in page.
func (s *Server) Dashboard(w http.ResponseWriter, r *http.Request) {
	if err := s.session.FetchMe(r.Context()); err != nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	s.renderDashboard(w, r, http.StatusOK, "")
}

func (s *Server) renderDashboard(w http.ResponseWriter, r *http.Request, status int, alert string) {
	data := pageData{Title: "Your licenses", Error: alert}
	if user := s.session.User(); user != nil {
		data.User = user
		data.Licenses = user.Licenses
	}
	s.render(w, r, status, "dashboard", data)
}

// Renew sends the user to the external checkout extending the license.
func (s *Server) Renew(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "id")

	checkoutURL, err := s.backend.StartRenewal(r.Context(), licenseID)
	if err != nil {
		logger.Warn("Failed to start renewal", map[string]interface{}{
			"license_id": licenseID,
			"error":      err.Error(),
		})
		s.renderDashboard(w, r, http.StatusBadGateway, renewalFailed)
		return
	}

	logger.Info("Redirecting to renewal checkout", map[string]interface{}{
		"license_id": licenseID,
	})
	http.Redirect(w, r, checkoutURL, http.StatusSeeOther)
}

func (s *Server) PurchaseForm(w http.ResponseWriter, r *http.Request) {
	s.renderPurchase(w, r, http.StatusOK, selectedPlan(r.URL.Query().Get("plan")), "")
}

func (s *Server) renderPurchase(w http.ResponseWriter, r *http.Request, status int, plan models.Plan, alert string) {
	option, _ := models.PlanByID(plan)
	s.render(w, r, status, "purchase", pageData{
		Title:        "Choose a plan",
		Error:        alert,
		Plans:        models.Plans(),
		Selected:     plan,
		SelectedDemo: option.Demo,
	})
}

// Purchase issues a demo license right away for the monthly plan and sends
// every other plan through the external checkout.
func (s *Server) Purchase(w http.ResponseWriter, r *http.Request) {
	plan := selectedPlan(r.FormValue("plan"))
	ctx := r.Context()

	if option, _ := models.PlanByID(plan); option.Demo {
		license, err := s.backend.CreateDemoLicense(ctx)
		if err != nil {
			logger.Warn("Failed to create demo license", map[string]interface{}{
				"error": err.Error(),
			})
			s.renderPurchase(w, r, formStatus(err), plan, api.Message(err, demoFailed))
			return
		}
		http.Redirect(w, r, demoSuccessURL(license), http.StatusSeeOther)
		return
	}

	checkoutURL, err := s.backend.StartCheckout(ctx, plan)
	if err != nil {
		logger.Warn("Failed to start checkout", map[string]interface{}{
			"plan":  string(plan),
			"error": err.Error(),
		})
		s.renderPurchase(w, r, formStatus(err), plan, api.Message(err, checkoutFailed))
		return
	}
	http.Redirect(w, r, checkoutURL, http.StatusSeeOther)
}

// selectedPlan defaults to the annual plan when none is chosen.
func selectedPlan(raw string) models.Plan {
	if raw == "" {
		return models.PlanAnnual
	}
	return models.ParsePlan(raw)
}

func demoSuccessURL(license *models.License) string {
	expires := ""
	if license.ExpiresAt != nil {
		expires = license.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	q := url.Values{
		"demo":    {"1"},
		"key":     {license.Key},
		"plan":    {string(license.Plan)},
		"expires": {expires},
	}
	return "/success?" + q.Encode()
}
