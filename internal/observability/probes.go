package observability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/render"
)

// ReadinessReport is the body of the readiness probe.
type ReadinessReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// liveness responds with 200 OK if the HTTP server is running.
// Kubernetes restarts the pod when it stops answering.
func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker in parallel and answers 200 only when all pass.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	report := s.check(r.Context())

	if report.Status != "up" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, report)
}

// check runs the dependency checks within the readiness timeout.
func (s *Server) check(parent context.Context) ReadinessReport {
	ctx, cancel := context.WithTimeout(parent, s.cfg.ReadinessTimeout)
	defer cancel()

	report := ReadinessReport{
		Status:     "up",
		Components: make(map[string]string, len(s.checkers)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, checker := range s.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				// WARN rather than ERROR: the orchestrator retries the probe.
				s.logger.Warn("health probe failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				report.Components[c.Name()] = "down: " + err.Error()
				report.Status = "down"
				return
			}
			report.Components[c.Name()] = "up"
		}(checker)
	}

	wg.Wait()
	return report
}
