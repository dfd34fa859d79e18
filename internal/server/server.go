package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/railgate/internal/authorization"
	"github.com/smallbiznis/railgate/internal/config"
	"github.com/smallbiznis/railgate/internal/counter"
	"github.com/smallbiznis/railgate/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	"github.com/smallbiznis/railgate/internal/events"
	"github.com/smallbiznis/railgate/internal/meter"
	meterdomain "github.com/smallbiznis/railgate/internal/meter/domain"
	"github.com/smallbiznis/railgate/internal/observability"
	obslogger "github.com/smallbiznis/railgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railgate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/railgate/internal/observability/tracing"
	"github.com/smallbiznis/railgate/internal/ratelimit"
	"github.com/smallbiznis/railgate/internal/usage"
	usagedomain "github.com/smallbiznis/railgate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the HTTP surface together with the domain services it serves.
var Module = fx.Module("http.server",
	counter.Module,
	events.Module,
	authorization.Module,
	entitlement.Module,
	usage.Module,
	ratelimit.Module,
	meter.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

func init() {
	binding.EnableDecoderDisallowUnknownFields = true
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(fieldName)
	}
}

// fieldName reports validation failures under the wire name of the field.
func fieldName(f reflect.StructField) string {
	for _, tag := range []string{"json", "form", "uri"} {
		name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			continue
		}
		if name != "" {
			return name
		}
	}
	return f.Name
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	entitlementSvc entitlementdomain.Service
	usageSvc       usagedomain.Service
	meterSvc       meterdomain.Service
	authzSvc       authorization.Service
	limiter        *ratelimit.Limiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	EntitlementSvc entitlementdomain.Service
	UsageSvc       usagedomain.Service
	MeterSvc       meterdomain.Service
	AuthzSvc       authorization.Service
	Limiter        *ratelimit.Limiter
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http"),
		entitlementSvc: p.EntitlementSvc,
		usageSvc:       p.UsageSvc,
		meterSvc:       p.MeterSvc,
		authzSvc:       p.AuthzSvc,
		limiter:        p.Limiter,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.ActorContext())
	api.Use(s.ClientRateLimit())

	ent := api.Group("/entitlements")
	ent.POST("/verify", s.VerifyEntitlement)
	ent.GET("/diagnose", s.DiagnoseEntitlement)
	ent.POST("", s.RequirePermission(authorization.ObjectEntitlement, authorization.ActionEntitlementGrant), s.GrantEntitlement)
	ent.GET("/:id", s.RequirePermission(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.GetEntitlement)
	ent.POST("/:id/cancel", s.RequirePermission(authorization.ObjectEntitlement, authorization.ActionEntitlementCancel), s.CancelEntitlement)
	ent.POST("/:id/quota-adjustments", s.RequirePermission(authorization.ObjectQuota, authorization.ActionQuotaAdjust), s.AdjustQuota)
	ent.GET("/:id/reconciliation", s.RequirePermission(authorization.ObjectUsage, authorization.ActionUsageReconcile), s.ReconcileUsage)

	api.GET("/users/:user_id/entitlements", s.RequirePermission(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.ListUserEntitlements)

	api.POST("/usage/track", s.TrackUsage)
	api.GET("/usage", s.RequirePermission(authorization.ObjectUsage, authorization.ActionUsageView), s.ListUsage)

	rl := api.Group("/ratelimit")
	rl.POST("/token-bucket", s.CheckTokenBucket)
	rl.POST("/fixed-window", s.CheckFixedWindow)

	m := api.Group("/meter")
	m.POST("/record", s.RecordMeterUsage)
	m.POST("/check", s.CheckMeterQuota)
	m.POST("/enforce", s.EnforceMeterQuota)
	m.GET("/history", s.MeterHistory)
	m.PUT("/tiers/:user_id", s.RequirePermission(authorization.ObjectMeterTier, authorization.ActionMeterTierSet), s.SetMeterTier)
	m.GET("/tiers/:user_id", s.RequirePermission(authorization.ObjectMeterTier, authorization.ActionMeterTierView), s.GetMeterTier)
}
