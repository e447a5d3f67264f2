// Package service ties the HTTP surface to its collaborators. A Service
// carries the router, configuration, logger and a map of named
// dependencies; handlers receive the service next to the gin context and
// assert the dependency types they need.
//
// Example:
//
//	svc := service.NewService(engine).
//		WithConfig(cfg).
//		WithLogHarbour(logger).
//		WithDependency("stateManager", states)
//	svc.RegisterRoute(http.MethodGet, "/health", HandleHealthCheck)
package service

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/config"
)

// Dependencies is a map to hold arbitrary dependencies.
// Assert the type of a dependency before using it; values are of type any.
type Dependencies map[string]any

// Service is the container handlers draw their collaborators from.
type Service struct {
	Config       *config.AppConfig
	Router       *gin.Engine
	LogHarbour   *logharbour.Logger
	Dependencies Dependencies
}

// NewService constructs a Service around the given router.
func NewService(r *gin.Engine) *Service {
	return &Service{
		Router: r,
	}
}

// WithConfig injects the application configuration.
func (s *Service) WithConfig(cfg *config.AppConfig) *Service {
	s.Config = cfg
	return s
}

// WithLogHarbour injects the logger.
func (s *Service) WithLogHarbour(l *logharbour.Logger) *Service {
	s.LogHarbour = l
	return s
}

// WithDependency injects an arbitrary named dependency.
func (s *Service) WithDependency(key string, value any) *Service {
	if s.Dependencies == nil {
		s.Dependencies = make(Dependencies)
	}
	s.Dependencies[key] = value
	return s
}

// HandlerFunc is a request handler that also receives the service.
type HandlerFunc func(*gin.Context, *Service)

// RegisterRoute registers a single route directly on the service's engine.
func (s *Service) RegisterRoute(method, path string, handler HandlerFunc) {
	registerOn(s.Router, method, path, s.wrap(handler))
}

// RouteGroup is a set of routes sharing a path prefix. Handlers registered
// through it still receive the owning service.
type RouteGroup struct {
	svc   *Service
	group *gin.RouterGroup
}

// CreateGroup creates a route group under the given path prefix.
func (s *Service) CreateGroup(path string) *RouteGroup {
	return &RouteGroup{
		svc:   s,
		group: s.Router.Group(path),
	}
}

// RegisterRoute registers a single route on the group.
func (g *RouteGroup) RegisterRoute(method, path string, handler HandlerFunc) {
	registerOn(g.group, method, path, g.svc.wrap(handler))
}

// CreateSubGroup creates a nested group within the current group.
func (g *RouteGroup) CreateSubGroup(path string) *RouteGroup {
	return &RouteGroup{
		svc:   g.svc,
		group: g.group.Group(path),
	}
}

func (s *Service) wrap(handler HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		handler(c, s)
	}
}

func registerOn(r gin.IRoutes, method, path string, handler gin.HandlerFunc) {
	switch method {
	case http.MethodGet:
		r.GET(path, handler)
	case http.MethodPost:
		r.POST(path, handler)
	case http.MethodPut:
		r.PUT(path, handler)
	case http.MethodDelete:
		r.DELETE(path, handler)
	default:
		// Handle unsupported methods
		log.Printf("Unsupported method: %s", method)
	}
}
