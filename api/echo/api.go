// Package echo exposes the verification HTTP surface. Transport concerns
// (CORS, preflight, TLS) belong to the host router; this package supplies
// the handler logic only.
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.verikey.dev/keygate/domain"
	kgerrors "go.verikey.dev/keygate/errors"
	"go.verikey.dev/keygate/services"
)

// VerificationAPI holds the handler dependencies.
type VerificationAPI struct {
	redemption *services.RedemptionService
	nonces     *services.NonceService
	records    *services.RecordService
	stats      *services.StatsService
	pinger     domain.Pinger
}

// NewVerificationAPI initializes the verification API. pinger may be nil
// when the backing store exposes no health probe.
func NewVerificationAPI(
	redemption *services.RedemptionService,
	nonces *services.NonceService,
	records *services.RecordService,
	stats *services.StatsService,
	pinger domain.Pinger,
) *VerificationAPI {
	return &VerificationAPI{
		redemption: redemption,
		nonces:     nonces,
		records:    records,
		stats:      stats,
		pinger:     pinger,
	}
}

// RegisterRoutes registers the verification routes.
func (va *VerificationAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/verify", va.VerifyHandler)
	e.GET("/nonce/check/:nonce", va.NonceCheckHandler)
	e.POST("/nonce/mark", va.NonceMarkHandler)
	e.GET("/records", va.ListRecordsHandler)
	e.GET("/records/:keyId", va.GetRecordHandler)
	e.DELETE("/records/:keyId", va.DeleteRecordHandler)
	e.GET("/stats", va.StatsHandler)
	e.GET("/healthz", va.HealthHandler)
}

type verifyRequest struct {
	Key       string `json:"key"`
	DeviceID  string `json:"deviceId"`
	UserAgent string `json:"userAgent"`
	IPAddress string `json:"ipAddress"`
	Nonce     string `json:"nonce"`
}

// recordView is a UsageRecord with the remaining validity computed at
// response time, in milliseconds.
type recordView struct {
	*domain.UsageRecord
	RemainingTime int64 `json:"remainingTime"`
}

func newRecordView(rec *domain.UsageRecord, now time.Time) recordView {
	return recordView{
		UsageRecord:   rec,
		RemainingTime: rec.RemainingTime(now).Milliseconds(),
	}
}

// VerifyHandler handles one-time key redemption. The outcome maps onto the
// response status: 201 on acceptance, 400 for malformed/forged/expired
// keys, 409 with the original record when the key was already used, and
// 503/504 when storage prevented a decision.
func (va *VerificationAPI) VerifyHandler(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, kgerrors.NewMalformedKey("invalid request body"))
	}
	if req.Key == "" {
		return c.JSON(http.StatusBadRequest, kgerrors.NewMalformedKey("missing key"))
	}

	fp := domain.ClientFingerprint{
		DeviceID:  req.DeviceID,
		UserAgent: req.UserAgent,
		IPAddress: req.IPAddress,
	}
	if fp.IPAddress == "" {
		fp.IPAddress = c.RealIP()
	}

	res, err := va.redemption.Redeem(c.Request().Context(), req.Key, fp, req.Nonce)
	if err != nil {
		return storeErrorResponse(c, err, "Redemption failed at store")
	}

	now := time.Now()
	switch res.Status {
	case domain.RedemptionAccepted:
		return c.JSON(http.StatusCreated, echo.Map{
			"accepted": true,
			"record":   newRecordView(res.Record, now),
		})
	case domain.RedemptionMalformed:
		return c.JSON(http.StatusBadRequest, kgerrors.NewMalformedKey("key is not a valid encoded key"))
	case domain.RedemptionForged:
		return c.JSON(http.StatusBadRequest, kgerrors.NewForgedKey())
	case domain.RedemptionExpired:
		return c.JSON(http.StatusBadRequest, kgerrors.NewExpiredKey())
	case domain.RedemptionAlreadyUsed:
		body := echo.Map{
			"accepted": false,
			"error":    kgerrors.KeyAlreadyUsed,
		}
		if res.Existing != nil {
			body["record"] = newRecordView(res.Existing, now)
		}
		return c.JSON(http.StatusConflict, body)
	default:
		log.Error().Str("status", string(res.Status)).Msg("Unknown redemption status")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

// NonceCheckHandler reports whether a replay key has been used.
func (va *VerificationAPI) NonceCheckHandler(c echo.Context) error {
	nonce := c.Param("nonce")

	used, err := va.nonces.Check(c.Request().Context(), nonce)
	if err != nil {
		log.Error().Err(err).Msg("Nonce check failed")
		return c.JSON(http.StatusInternalServerError, kgerrors.NewStoreUnavailable(err))
	}

	return c.JSON(http.StatusOK, echo.Map{"nonce": nonce, "used": used})
}

type nonceMarkRequest struct {
	Nonce string `json:"nonce"`
}

// NonceMarkHandler atomically marks a replay key as used.
func (va *VerificationAPI) NonceMarkHandler(c echo.Context) error {
	var req nonceMarkRequest
	if err := c.Bind(&req); err != nil || req.Nonce == "" {
		return c.JSON(http.StatusBadRequest, kgerrors.NewMalformedKey("missing nonce"))
	}

	mark, err := va.nonces.Mark(c.Request().Context(), req.Nonce)
	if err != nil {
		if ve, ok := kgerrors.AsVerifyError(err); ok && ve.Code == kgerrors.NonceAlreadyUsed {
			return c.JSON(http.StatusConflict, ve)
		}
		return storeErrorResponse(c, err, "Nonce mark failed at store")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"marked":   true,
		"nonce":    mark.Nonce,
		"markedAt": mark.MarkedAt,
	})
}

// ListRecordsHandler returns every usage record with its computed
// remaining validity.
func (va *VerificationAPI) ListRecordsHandler(c echo.Context) error {
	records, err := va.records.List(c.Request().Context())
	if err != nil {
		return storeErrorResponse(c, err, "Record listing failed")
	}

	now := time.Now()
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, newRecordView(rec, now))
	}
	return c.JSON(http.StatusOK, views)
}

// GetRecordHandler returns the record for one key.
func (va *VerificationAPI) GetRecordHandler(c echo.Context) error {
	rec, err := va.records.Get(c.Request().Context(), c.Param("keyId"))
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "record not found"})
	}
	if err != nil {
		return storeErrorResponse(c, err, "Record lookup failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"record": newRecordView(rec, time.Now())})
}

// DeleteRecordHandler purges a record administratively.
func (va *VerificationAPI) DeleteRecordHandler(c echo.Context) error {
	keyID := c.Param("keyId")
	err := va.records.Delete(c.Request().Context(), keyID)
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "record not found"})
	}
	if err != nil {
		return storeErrorResponse(c, err, "Record delete failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"deleted": true, "keyId": keyID})
}

// StatsHandler returns the usage aggregation. It fails closed: a store
// error yields an error status, never zero counts.
func (va *VerificationAPI) StatsHandler(c echo.Context) error {
	stats, err := va.stats.Stats(c.Request().Context())
	if err != nil {
		return storeErrorResponse(c, err, "Stats aggregation failed")
	}
	return c.JSON(http.StatusOK, stats)
}

// HealthHandler reports process liveness and store connectivity.
func (va *VerificationAPI) HealthHandler(c echo.Context) error {
	health := "ok"
	storeStatus := "up"
	status := http.StatusOK
	if va.pinger != nil {
		if err := va.pinger.Ping(c.Request().Context()); err != nil {
			log.Warn().Err(err).Msg("Health check store ping failed")
			health = "degraded"
			storeStatus = "down"
			status = http.StatusServiceUnavailable
		}
	}
	return c.JSON(status, echo.Map{"status": health, "store": storeStatus})
}

// storeErrorResponse maps a store failure to 503/504 with the taxonomy
// code, logging it. Store failures never collapse into key rejections.
func storeErrorResponse(c echo.Context, err error, msg string) error {
	log.Error().Err(err).Msg(msg)
	if ve, ok := kgerrors.AsVerifyError(err); ok {
		return c.JSON(ve.HTTPStatus(), ve)
	}
	return c.JSON(http.StatusServiceUnavailable, kgerrors.NewStoreUnavailable(err))
}
