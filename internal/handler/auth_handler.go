package handler

import (
	"net/http"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/tenant"
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/darsavelidze/safe-school/prometheus"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AuthHandler serves registration, login and the bootstrap token endpoint
type AuthHandler struct {
	directory        *tenant.Directory
	bootstrapEnabled bool
}

func NewAuthHandler(directory *tenant.Directory, bootstrapEnabled bool) *AuthHandler {
	return &AuthHandler{directory: directory, bootstrapEnabled: bootstrapEnabled}
}

func (h *AuthHandler) Register(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		SchoolID string `json:"school_id"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse registration request", zap.Error(err))
		prometheus.RecordAuthError("invalid_request")
		return badRequest(c, "invalid request")
	}

	cred, err := h.directory.Register(req.SchoolID, req.Name, req.Password)
	if err != nil {
		log.Warn("Registration rejected",
			zap.String("school_id", req.SchoolID),
			zap.Error(err))
		prometheus.RecordAuthError("register_" + apperror.KindOf(err).String())
		return respondError(c, err)
	}

	prometheus.RegisterCounter.Inc()
	log.Info("School registered", zap.String("school_id", cred.TenantID))
	return c.JSON(http.StatusCreated, echo.Map{
		"token":     cred.Token,
		"school_id": cred.TenantID,
	})
}

func (h *AuthHandler) Login(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.LoginCounter.Inc()

	var req struct {
		SchoolID string `json:"school_id"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse login request", zap.Error(err))
		prometheus.RecordAuthError("invalid_request")
		return badRequest(c, "invalid request")
	}

	cred, err := h.directory.Authenticate(req.SchoolID, req.Password)
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.NotFound:
			log.Warn("School not found", zap.String("school_id", req.SchoolID))
			prometheus.RecordAuthError("school_not_found")
		case apperror.Unauthorized:
			log.Warn("Invalid password", zap.String("school_id", req.SchoolID))
			prometheus.RecordAuthError("invalid_password")
		default:
			return respondError(c, err)
		}
		// unknown school and wrong password look the same to the client
		return respondError(c, tenant.ErrBadSecret)
	}

	log.Info("School logged in", zap.String("school_id", cred.TenantID))
	return c.JSON(http.StatusOK, echo.Map{
		"token":     cred.Token,
		"school_id": cred.TenantID,
		"name":      cred.Name,
	})
}

// GetToken issues a token for any school id without a credential check.
// It exists for device simulators and is disabled in hardened deployments.
func (h *AuthHandler) GetToken(c echo.Context) error {
	if !h.bootstrapEnabled {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	}

	schoolID := c.Param("school_id")
	cred, err := h.directory.IssueToken(schoolID)
	if err != nil {
		return respondError(c, err)
	}

	logger.FromContext(c).Warn("Issued bootstrap token without credential check",
		zap.String("school_id", schoolID))
	return c.JSON(http.StatusOK, echo.Map{
		"token":     cred.Token,
		"school_id": cred.TenantID,
	})
}
