package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bidhub/internal/api/handlers"
	"bidhub/internal/api/middleware"
	"bidhub/internal/domain"
	"bidhub/pkg/logger"
)

type RouterDeps struct {
	Auctions   *handlers.AuctionHandler
	WebSockets *handlers.WebSocketHandler
	Gatherer   prometheus.Gatherer
	InstanceID string
	Clock      domain.Clock
	Log        logger.Logger
}

// NewRouter serves the websocket endpoint through gorilla/mux and hands
// everything else to the echo REST API.
func NewRouter(deps RouterDeps) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewRequestValidator()

	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			req := c.Request()
			deps.Log.Debug("Request handled",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"remote_addr", c.RealIP())
			return err
		}
	})

	deps.Auctions.Register(e.Group("/api/v1"))
	e.GET("/health", handlers.Health(deps.InstanceID, deps.Clock))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	router := mux.NewRouter()
	router.Use(middleware.CORS)
	router.HandleFunc("/ws/auctions/{auctionID}", deps.WebSockets.HandleConnection).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(e)
	return router
}
