package holdback

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	scheduler *Scheduler
	trigger   *Trigger
}

type HandlerParams struct {
	fx.In
	Scheduler *Scheduler
	Trigger   *Trigger `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{scheduler: p.Scheduler, trigger: p.Trigger}
}

func (h *Handler) Register(r *gin.RouterGroup) {
	g := r.Group("/admin/holdback")
	g.POST("/run", h.run)
	g.GET("/runs", h.runs)
}

// run queues a tick. Without a queue, or with ?wait=true, the tick runs
// inline and its result is returned.
func (h *Handler) run(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.Query("wait"))
	if h.trigger != nil && !wait {
		id, err := h.trigger.Enqueue(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "task_id": id})
		return
	}

	res, err := h.scheduler.Tick(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) runs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := h.scheduler.Runs(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}
