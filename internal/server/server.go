package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/openmall/pointspay/internal/config"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
	"github.com/openmall/pointspay/internal/payment/webhook"
	"github.com/openmall/pointspay/internal/reconcile"
	pointsdomain "github.com/openmall/pointspay/internal/points/domain"
	"github.com/openmall/pointspay/internal/scheduler"
	vipdomain "github.com/openmall/pointspay/internal/vip/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	genID      *snowflake.Node
	orderSvc   orderdomain.Service
	pointsSvc  pointsdomain.Service
	vipSvc     vipdomain.Service
	webhookSvc *webhook.Service
	reconciler *reconcile.Engine
	scheduler  *scheduler.Host
}

type Params struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	GenID      *snowflake.Node
	OrderSvc   orderdomain.Service
	PointsSvc  pointsdomain.Service
	VipSvc     vipdomain.Service
	WebhookSvc *webhook.Service
	Reconciler *reconcile.Engine
	Scheduler  *scheduler.Host `optional:"true"`
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		orderSvc:   p.OrderSvc,
		pointsSvc:  p.PointsSvc,
		vipSvc:     p.VipSvc,
		webhookSvc: p.WebhookSvc,
		reconciler: p.Reconciler,
		scheduler:  p.Scheduler,
	}
	s.registerRoutes()
	return s
}

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhooks/payment/:provider", s.HandlePaymentWebhook)

	api := s.engine.Group("/api/v1")
	{
		api.POST("/orders", s.CreateOrder)
		api.GET("/orders", s.ListOrders)
		api.GET("/orders/:id", s.GetOrder)
		api.POST("/orders/:id/cancel", s.CancelOrder)
		api.POST("/orders/:id/refund", s.BeginRefund)

		api.GET("/users/:user_id/points", s.GetPointsBalance)
		api.GET("/users/:user_id/points/transactions", s.ListPointsTransactions)
		api.GET("/users/:user_id/vip", s.GetVipMembership)
	}

	admin := s.engine.Group("/admin")
	{
		admin.POST("/points/adjust", s.AdjustPoints)
		admin.POST("/points/adjustments/:id/revoke", s.RevokeAdjustment)
		admin.POST("/reconcile/run", s.TriggerReconcile)
		admin.GET("/scheduler/status", s.SchedulerStatus)
		admin.POST("/scheduler/start", s.StartScheduler)
		admin.POST("/scheduler/stop", s.StopScheduler)
	}
}

func run(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)
