package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"datacore/internal/platform/logger"
	"datacore/internal/registry"
)

type healthReport struct {
	Status      string            `json:"status"`
	DataSources map[string]string `json:"datasources"`
}

type dataSourceView struct {
	Name     string `json:"name"`
	Dialect  string `json:"dialect"`
	State    string `json:"state"`
	Active   bool   `json:"active"`
	Error    string `json:"error,omitempty"`
	Idle     int    `json:"idle"`
	Leased   int    `json:"leased"`
	Waiters  int    `json:"waiters"`
	Busy     int    `json:"busy"`
	Queued   int    `json:"queued"`
	Rejected uint64 `json:"rejected"`
}

func newRouter(reg *registry.Registry, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/healthz", func(c *gin.Context) {
		report := healthReport{Status: "ok", DataSources: map[string]string{}}
		code := http.StatusOK
		for name, err := range reg.Healthy(c.Request.Context()) {
			if err != nil {
				report.DataSources[name] = logger.RedactString(err.Error())
				report.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			report.DataSources[name] = "ok"
		}
		c.JSON(code, report)
	})

	r.GET("/datasources", func(c *gin.Context) {
		stats := reg.Stats()
		out := make([]dataSourceView, 0, len(stats))
		for _, s := range stats {
			v := dataSourceView{
				Name:     s.Name,
				Dialect:  s.Dialect,
				State:    s.State.String(),
				Active:   s.Active,
				Idle:     s.Pool.Idle,
				Leased:   s.Pool.Leased,
				Waiters:  s.Pool.Waiters,
				Busy:     s.Executor.Busy,
				Queued:   s.Executor.Queued,
				Rejected: s.Executor.Rejected,
			}
			if s.Err != nil {
				v.Error = logger.RedactString(s.Err.Error())
			}
			out = append(out, v)
		}
		c.JSON(http.StatusOK, out)
	})

	return r
}
