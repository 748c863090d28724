package handler

import (
	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// respondError writes a classified error. Unclassified errors are logged
// and never leak their text to the client.
func respondError(c echo.Context, err error) error {
	kind := apperror.KindOf(err)
	if kind == apperror.Internal {
		logger.FromContext(c).Error("Request failed", zap.Error(err))
	}
	if kind == apperror.Busy {
		c.Response().Header().Set("Retry-After", "1")
	}
	return c.JSON(kind.HTTPStatus(), echo.Map{
		"error": apperror.Message(err),
		"code":  kind.String(),
	})
}

func badRequest(c echo.Context, msg string) error {
	return respondError(c, apperror.New(apperror.InvalidInput, msg))
}
