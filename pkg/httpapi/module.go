package httpapi

import (
	"referral-engine/pkg/config"
	"referral-engine/pkg/health"
	"referral-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
	fx.Invoke(registerRoutes),
)

// Route is implemented by every service handler exposed over HTTP.
type Route interface {
	Register(r *gin.RouterGroup)
}

// AsRoute annotates a handler constructor so it joins the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.CORS(cfg),
		middleware.RequestID(),
		middleware.Trace(cfg.AppName),
		middleware.Logger(),
		middleware.Error(),
	)
	return r
}

type routesParams struct {
	fx.In
	Engine *gin.Engine
	Health health.HealthService
	Routes []Route `group:"routes"`
}

func registerRoutes(p routesParams) {
	p.Engine.GET("/healthz", p.Health.Liveness)
	p.Engine.GET("/readyz", p.Health.Readiness)
	p.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := p.Engine.Group("/v1")
	for _, route := range p.Routes {
		route.Register(v1)
	}

	zap.L().Info("http routes registered", zap.Int("handlers", len(p.Routes)))
}
