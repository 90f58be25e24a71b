package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/portfolio"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// venueError maps engine lookup failures to HTTP responses.
func venueError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrUnknownVenue) {
		respondError(c, http.StatusNotFound, "UNKNOWN_VENUE", err.Error())
		return
	}
	respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
}

type listQuery struct {
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
	Status string `form:"status"`
	Code   string `form:"code"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 200
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

func page[T any](items []T, q listQuery) []T {
	if q.Offset >= len(items) {
		return []T{}
	}
	items = items[q.Offset:]
	if len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"meta":   s.Meta,
		"engine": s.Engine.Status(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "NO_METRICS", "metrics not enabled")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

func (s *Server) getVenues(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status().Venues)
}

type portfolioResponse struct {
	Venue     string                `json:"venue"`
	Valuation portfolio.Valuation   `json:"valuation"`
	Balance   domain.AccountBalance `json:"balance"`
	Halted    []string              `json:"halted,omitempty"`
}

func (s *Server) getPortfolio(c *gin.Context) {
	venue := c.Param("venue")
	p, err := s.Engine.Portfolio(venue)
	if err != nil {
		venueError(c, err)
		return
	}
	resp := portfolioResponse{Venue: venue, Valuation: p.Valuation(), Balance: p.Balance()}
	for _, k := range p.HaltedSecurities() {
		resp.Halted = append(resp.Halted, k.Code)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.GetAllPositions(c.Param("venue"))
	if err != nil {
		venueError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getOrders(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_QUERY", err.Error())
		return
	}
	q.normalize()
	orders, err := s.Engine.Orders(c.Param("venue"))
	if err != nil {
		venueError(c, err)
		return
	}
	filtered := orders[:0:0]
	for _, o := range orders {
		if q.Status != "" && string(o.Status) != q.Status {
			continue
		}
		if q.Code != "" && o.Security.Code != q.Code {
			continue
		}
		filtered = append(filtered, o)
	}
	c.JSON(http.StatusOK, gin.H{"total": len(filtered), "orders": page(filtered, q)})
}

func (s *Server) getOrder(c *gin.Context) {
	venue, id := c.Param("venue"), c.Param("id")
	orders, err := s.Engine.Orders(venue)
	if err != nil {
		venueError(c, err)
		return
	}
	for _, o := range orders {
		if o.ID == id {
			deals, _ := s.Engine.FindDealsWithOrder(venue, id)
			c.JSON(http.StatusOK, gin.H{"order": o, "deals": deals})
			return
		}
	}
	respondError(c, http.StatusNotFound, "UNKNOWN_ORDER", "order "+id+" not found")
}

func (s *Server) getDeals(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_QUERY", err.Error())
		return
	}
	q.normalize()
	deals, err := s.Engine.Deals(c.Param("venue"))
	if err != nil {
		venueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(deals), "deals": page(deals, q)})
}

func (s *Server) getRecords(c *gin.Context) {
	if s.Recorder == nil {
		respondError(c, http.StatusServiceUnavailable, "NO_RECORDER", "recorder not enabled")
		return
	}
	rows := s.Recorder.Rows()
	if v := c.Query("venue"); v != "" {
		filtered := rows[:0:0]
		for _, r := range rows {
			if r.Venue == v {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}
	if n, err := strconv.Atoi(c.Query("last")); err == nil && n > 0 && n < len(rows) {
		rows = rows[len(rows)-n:]
	}
	c.JSON(http.StatusOK, gin.H{"name": s.Recorder.Name(), "fields": s.Recorder.Fields(), "rows": rows})
}
