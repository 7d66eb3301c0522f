package handlers

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/internal/reconcile"
	"agentteams.app/portal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"landing", "login", "register", "dashboard", "purchase", "success"}

type pageData struct {
	Title         string
	Error         string
	Version       string
	Authenticated bool
	User          *models.User

	// sign-in forms
	Email string
	Name  string

	// plans
	Plans        []models.PlanOption
	Selected     models.Plan
	SelectedDemo bool

	Licenses []models.License

	State           reconcile.State
	RedirectSeconds int
}

func parsePages(now func() time.Time) (map[string]*template.Template, error) {
	funcs := template.FuncMap{
		"title": func(v interface{}) string {
			s := fmt.Sprint(v)
			if s == "" {
				return s
			}
			return strings.ToUpper(s[:1]) + s[1:]
		},
		"date": func(t *time.Time, fallback string) string {
			if t == nil {
				return fallback
			}
			return t.Local().Format("Jan 2, 2006")
		},
		"daysLeft": func(l models.License) string {
			return l.DaysLeft(now())
		},
	}

	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s page: %w", name, err)
		}
		pages[name] = tmpl
	}
	return pages, nil
}

// render writes a full page. The layout fields are filled from the current
// session.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page string, data pageData) {
	snap := s.session.Snapshot()
	data.Authenticated = snap.Authenticated()
	if data.User == nil {
		data.User = snap.User
	}
	data.Version = s.opts.Version

	tmpl, ok := s.pages[page]
	if !ok {
		err := fmt.Errorf("unknown page %q", page)
		report(r, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		logger.Error("Failed to render page", map[string]interface{}{
			"page":  page,
			"error": err.Error(),
		})
		report(r, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (s *Server) Landing(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "landing", pageData{
		Title: "Agent Teams",
		Plans: models.Plans(),
	})
}
