package echo_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "go.verikey.dev/keygate/api/echo"
	"go.verikey.dev/keygate/cache"
	"go.verikey.dev/keygate/keycodec"
	"go.verikey.dev/keygate/services"
)

const testSecret = "api-test-secret"

func newTestServer(t *testing.T) (*echo.Echo, *keycodec.Codec) {
	t.Helper()

	codec := keycodec.New(testSecret)
	store := cache.NewMemoryKeyRecordStore(time.Hour)
	t.Cleanup(store.Close)
	ledger := cache.NewMemoryNonceLedger(time.Hour)
	t.Cleanup(ledger.Close)

	retry := services.RetryPolicy{MaxAttempts: 1}
	va := api.NewVerificationAPI(
		services.NewRedemptionService(codec, store, retry, 7*24*time.Hour),
		services.NewNonceService(ledger, retry),
		services.NewRecordService(store, retry),
		services.NewStatsService(store, retry),
		nil,
	)

	e := echo.New()
	va.RegisterRoutes(e)
	return e, codec
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// End-to-end scenario: redeem a 24h key from device-A, see device-B get a
// 409 carrying device-A's record, then confirm the stats view.
func TestVerifyRedeemOnceFlow(t *testing.T) {
	e, codec := newTestServer(t)
	key := codec.Encode(uint32(time.Now().Unix()) + 86400)

	rec := doJSON(e, http.MethodPost, "/verify",
		`{"key":"`+key+`","deviceId":"device-A","userAgent":"agent-A"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var accepted struct {
		Accepted bool `json:"accepted"`
		Record   struct {
			KeyID         string    `json:"keyId"`
			DeviceID      string    `json:"deviceId"`
			RedeemedAt    time.Time `json:"redeemedAt"`
			RemainingTime int64     `json:"remainingTime"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.True(t, accepted.Accepted)
	assert.Equal(t, key, accepted.Record.KeyID)
	assert.Positive(t, accepted.Record.RemainingTime)

	rec = doJSON(e, http.MethodPost, "/verify",
		`{"key":"`+key+`","deviceId":"device-B"}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var conflict struct {
		Accepted bool   `json:"accepted"`
		Error    string `json:"error"`
		Record   struct {
			DeviceID   string    `json:"deviceId"`
			RedeemedAt time.Time `json:"redeemedAt"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.False(t, conflict.Accepted)
	assert.Equal(t, "key_already_used", conflict.Error)
	assert.Equal(t, "device-A", conflict.Record.DeviceID)
	assert.True(t, conflict.Record.RedeemedAt.Equal(accepted.Record.RedeemedAt))

	rec = doJSON(e, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Total          int64 `json:"total"`
		VerifiedActive int64 `json:"verifiedActive"`
		RedeemedToday  int64 `json:"redeemedToday"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.VerifiedActive)
	assert.Equal(t, int64(1), stats.RedeemedToday)
}

func TestVerifyRejections(t *testing.T) {
	e, codec := newTestServer(t)

	cases := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"missing key", `{}`, "malformed_key"},
		{"outside alphabet", `{"key":"abc!def"}`, "malformed_key"},
		{"expired", `{"key":"` + codec.Encode(uint32(time.Now().Unix())-1) + `"}`, "expired_key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(e, http.MethodPost, "/verify", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var body struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Error)
		})
	}

	t.Run("forged", func(t *testing.T) {
		key := codec.Encode(uint32(time.Now().Unix()) + 86400)
		tampered := []byte(key)
		if tampered[len(tampered)-1] == 'z' {
			tampered[len(tampered)-1] = 'a'
		} else {
			tampered[len(tampered)-1] = 'z'
		}

		rec := doJSON(e, http.MethodPost, "/verify", `{"key":"`+string(tampered)+`"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "forged_key", body.Error)
	})
}

func TestNonceEndpoints(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodGet, "/nonce/check/abc123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"nonce":"abc123","used":false}`, rec.Body.String())

	rec = doJSON(e, http.MethodPost, "/nonce/mark", `{"nonce":"abc123"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodGet, "/nonce/check/abc123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"nonce":"abc123","used":true}`, rec.Body.String())

	rec = doJSON(e, http.MethodPost, "/nonce/mark", `{"nonce":"abc123"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(e, http.MethodPost, "/nonce/mark", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordEndpoints(t *testing.T) {
	e, codec := newTestServer(t)
	key := codec.Encode(uint32(time.Now().Unix()) + 86400)

	rec := doJSON(e, http.MethodGet, "/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	doJSON(e, http.MethodPost, "/verify", `{"key":"`+key+`"}`)

	rec = doJSON(e, http.MethodGet, "/records", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []struct {
		KeyID         string `json:"keyId"`
		RemainingTime int64  `json:"remainingTime"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, key, records[0].KeyID)
	assert.Positive(t, records[0].RemainingTime)

	rec = doJSON(e, http.MethodGet, "/records/"+key, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/records/"+key, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/records/"+key, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(e, http.MethodGet, "/records/"+key, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","store":"up"}`, rec.Body.String())
}
