package rest

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/apperr"
	mw "github.com/kasuganosora/dmchat/middleware"
	"go.uber.org/zap"
)

// writeError renders err as {"error": ...} with the status of its kind.
// Internal causes are logged, never returned.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	if apperr.IsFatal(err) && logger != nil {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.Error(err))
	}
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Public(err)})
}

// paramID parses a positive int64 path parameter.
func paramID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidArgument("invalid " + name)
	}
	return id, nil
}

// queryInt reads an optional integer query parameter.
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidArgument("invalid " + name)
	}
	return v, nil
}

func bindError(err error) error {
	return apperr.Wrap(apperr.KindInvalidArgument, "invalid request body", err)
}
