package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trading-engine/internal/engine"
	"trading-engine/internal/events"
)

type listQuery struct {
	Limit int `form:"limit"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type signalRequest struct {
	Symbol    string   `json:"symbol" binding:"required,min=1"`
	Side      string   `json:"side" binding:"required,oneof=LONG SHORT"`
	Price     float64  `json:"price" binding:"gte=0"`
	Stop      float64  `json:"stop" binding:"gte=0"`
	Target    float64  `json:"target" binding:"gte=0"`
	Timeframe string   `json:"timeframe"`
	Strength  *float64 `json:"strength"`
	NATR      *float64 `json:"natr"`
}

type resetKillSwitchRequest struct {
	StartEquity *float64 `json:"start_equity" binding:"omitempty,gt=0"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) bindList(c *gin.Context) (listQuery, bool) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "limit must be an integer")
		return q, false
	}
	q.normalize()
	return q, true
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.GetPositions(c.Request.Context())
	if err != nil {
		s.internalError(c, "list positions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getOrders(c *gin.Context) {
	q, ok := s.bindList(c)
	if !ok {
		return
	}
	orders, err := s.Engine.GetOrders(c.Request.Context(), q.Limit)
	if err != nil {
		s.internalError(c, "list orders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getTrades(c *gin.Context) {
	q, ok := s.bindList(c)
	if !ok {
		return
	}
	trades, err := s.Engine.GetTrades(c.Request.Context(), q.Limit)
	if err != nil {
		s.internalError(c, "list trades", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getNotifications(c *gin.Context) {
	q, ok := s.bindList(c)
	if !ok {
		return
	}
	items, err := s.Engine.GetNotifications(c.Request.Context(), q.Limit)
	if err != nil {
		s.internalError(c, "list notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

func (s *Server) resetKillSwitch(c *gin.Context) {
	var req resetKillSwitchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "start_equity must be a positive number")
			return
		}
	}
	status, err := s.Engine.ResetKillSwitch(c.Request.Context(), req.StartEquity)
	if err != nil {
		s.internalError(c, "reset kill-switch", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) closePosition(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "INVALID_SYMBOL", "symbol required")
		return
	}
	closed, err := s.Engine.ClosePosition(c.Request.Context(), symbol)
	switch {
	case errors.Is(err, engine.ErrNoPosition):
		respondError(c, http.StatusNotFound, "NO_POSITION", err.Error())
	case err != nil:
		s.internalError(c, "close position", err)
	default:
		c.JSON(http.StatusOK, closed)
	}
}

// submitSignal hands an operator signal to the entry consumer. Acceptance is
// asynchronous; the outcome shows up in positions and notifications.
func (s *Server) submitSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "event bus not ready")
		return
	}
	sig := events.Signal{
		Symbol:    strings.ToUpper(req.Symbol),
		Side:      req.Side,
		Price:     req.Price,
		Stop:      req.Stop,
		Target:    req.Target,
		Timeframe: req.Timeframe,
		Strength:  req.Strength,
		NATR:      req.NATR,
	}
	if s.Bus.Publish(events.EventSignal, sig) == 0 {
		respondError(c, http.StatusServiceUnavailable, "NO_CONSUMER", "entry consumer not running or busy")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "symbol": sig.Symbol})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error(op, zap.String("request_id", c.GetString("RequestID")), zap.Error(err))
	respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
}
