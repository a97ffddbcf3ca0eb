package coordination

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow coordination.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new coordination handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up the coordination routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/parties", h.RegisterParty)
	r.POST("/escrows/:id/handshake", h.CoordinateHandshake)
	r.GET("/escrows/:id", h.GetCoordination)
	r.POST("/escrows/:id/balance", h.CheckBalance)
	r.POST("/escrows/:id/release", h.InitiateRelease)
	r.POST("/escrows/:id/abort", h.Abort)
}

// RegisterPartyRequest is the body for POST /v1/escrows/:id/parties.
type RegisterPartyRequest struct {
	Role     string `json:"role" binding:"required"`
	Endpoint string `json:"endpoint" binding:"required"`
}

// ReleaseRequest is the body for POST /v1/escrows/:id/release.
type ReleaseRequest struct {
	AuthorizedBy []string    `json:"authorizedBy" binding:"required"`
	Destination  Destination `json:"destination" binding:"required"`
}

// AbortRequest is the body for POST /v1/escrows/:id/abort.
type AbortRequest struct {
	Reason string `json:"reason"`
}

// RegisterParty handles POST /v1/escrows/:id/parties
func (h *Handler) RegisterParty(c *gin.Context) {
	var req RegisterPartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	role, ok := ParseRole(req.Role)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "Role must be buyer, vendor, or arbiter",
		})
		return
	}

	record, err := h.coordinator.RegisterParty(c.Request.Context(), c.Param("id"), role, req.Endpoint)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrowId": record.EscrowID,
		"state":    record.State,
		"parties":  registeredRoles(record),
	})
}

// CoordinateHandshake handles POST /v1/escrows/:id/handshake
func (h *Handler) CoordinateHandshake(c *gin.Context) {
	record, err := h.coordinator.CoordinateHandshake(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrAlreadyMultisig) {
		// Informational: the wallet is already set up.
		c.JSON(http.StatusOK, gin.H{
			"escrowId":        record.EscrowID,
			"state":           record.State,
			"multisigAddress": record.MultisigAddress,
			"alreadyMultisig": true,
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrowId":        record.EscrowID,
		"state":           record.State,
		"multisigAddress": record.MultisigAddress,
	})
}

// GetCoordination handles GET /v1/escrows/:id
func (h *Handler) GetCoordination(c *gin.Context) {
	record, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coordination": record})
}

// CheckBalance handles POST /v1/escrows/:id/balance
func (h *Handler) CheckBalance(c *gin.Context) {
	balance, err := h.coordinator.SyncAndGetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    balance.Total,
		"unlocked": balance.Unlocked,
		"asOf":     balance.SyncedAt,
	})
}

// InitiateRelease handles POST /v1/escrows/:id/release
func (h *Handler) InitiateRelease(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	roles := make([]Role, len(req.AuthorizedBy))
	for i, r := range req.AuthorizedBy {
		roles[i] = Role(r)
	}

	result, err := h.coordinator.InitiateRelease(c.Request.Context(), c.Param("id"), roles, req.Destination)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"txId":  result.TxID,
		"state": result.State,
	})
}

// Abort handles POST /v1/escrows/:id/abort
func (h *Handler) Abort(c *gin.Context) {
	var req AbortRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "caller requested abort"
	}

	record, err := h.coordinator.Abort(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrowId": record.EscrowID,
		"state":    record.State,
	})
}

// writeError maps taxonomy errors to HTTP responses. Raw wallet responses
// are never relayed; callers get the taxonomy tag and a short message.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No coordination exists for this escrow",
		})
	case errors.Is(err, ErrInvalidRpcUrl):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rpc_url",
			"message": "Endpoint must be a loopback http(s) URL",
		})
	case errors.Is(err, ErrPartialRegistration):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "partial_registration",
			"message": "Not all parties are registered",
		})
	case errors.Is(err, ErrAlreadyRegistered):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_registered",
			"message": "The registration window for this escrow is closed",
		})
	case errors.Is(err, ErrInvalidHandshakeFormat):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "invalid_handshake_format",
			"message": "A party returned a malformed handshake response",
		})
	case errors.Is(err, ErrAddressMismatch):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "address_mismatch",
			"message": "Finalized multisig addresses disagree; manual investigation required",
		})
	case errors.Is(err, ErrRpcTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "rpc_timeout",
			"message": "A wallet endpoint timed out",
		})
	case errors.Is(err, ErrRpcUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "rpc_unreachable",
			"message": "A wallet endpoint is unreachable",
		})
	case errors.Is(err, ErrCoordinationFailed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "coordination_failed",
			"message": "This coordination has failed and cannot be resumed",
		})
	case errors.Is(err, ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_ready",
			"message": "The multisig wallet is not ready",
		})
	case errors.Is(err, ErrThresholdNotMet):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "threshold_not_met",
			"message": "Fewer than the required number of valid signature fragments",
		})
	case errors.Is(err, ErrAlreadyReleased):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_released",
			"message": "Escrow funds were already released",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Coordination operation failed",
		})
	}
}

func registeredRoles(record *Coordination) []Role {
	var out []Role
	for _, role := range AllRoles {
		if record.Parties[role] != nil {
			out = append(out, role)
		}
	}
	return out
}
