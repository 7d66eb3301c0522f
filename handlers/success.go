package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/internal/reconcile"
)

// browserNavigator leaves the navigation to the page, which follows
// redirectTo from the polled state.
type browserNavigator struct{}

func (browserNavigator) Navigate(route string) {
	logger.Debug("Success view redirecting", map[string]interface{}{
		"route": route,
	})
}

// Success opens a fresh view for this visit, replacing any earlier one.
func (s *Server) Success(w http.ResponseWriter, r *http.Request) {
	input := reconcile.ParseQuery(r.URL.Query())

	view := reconcile.Start(context.Background(), input, reconcile.Deps{
		Fetcher:   s.backend,
		Refresher: s.session,
		Navigator: browserNavigator{},
		Tokens:    s.session,
		Now:       s.opts.Now,
	}, s.opts.Reconcile)
	s.swapView(view)

	redirect := s.opts.Reconcile.RedirectDelay
	if redirect <= 0 {
		redirect = reconcile.DefaultOptions().RedirectDelay
	}

	s.render(w, r, http.StatusOK, "success", pageData{
		Title:           "Success",
		State:           view.State(),
		RedirectSeconds: int(redirect / time.Second),
	})
}

func (s *Server) SuccessState(w http.ResponseWriter, r *http.Request) {
	view := s.activeView()
	if view == nil {
		writeErrorResponse(w, http.StatusNotFound, "No active success view")
		return
	}
	writeJSON(w, http.StatusOK, view.State())
}

// SuccessCopy records that the page copied the key. The browser does the
// actual clipboard write.
func (s *Server) SuccessCopy(w http.ResponseWriter, r *http.Request) {
	view := s.activeView()
	if view == nil {
		writeErrorResponse(w, http.StatusNotFound, "No active success view")
		return
	}

	if err := view.Copy(); err != nil {
		status := http.StatusConflict
		if errors.Is(err, reconcile.ErrClosed) {
			status = http.StatusGone
		}
		writeErrorResponse(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view.State())
}

func (s *Server) activeView() *reconcile.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// swapView installs next as the active view and tears the previous one down.
func (s *Server) swapView(next *reconcile.View) {
	s.mu.Lock()
	prev := s.view
	s.view = next
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}
