package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, tokenCalls *atomic.Int64, handle func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "key", user)
			assert.Equal(t, "secret", pass)
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-123", "expires_in": "3599"})
			return
		}
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		handle(w, r)
	}))
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/callback",
		ResultURL:      "https://example.com/result",
		TimeoutURL:     "https://example.com/timeout",
	}
}

func TestSTKPush(t *testing.T) {
	var tokenCalls atomic.Int64
	var got map[string]any

	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(STKPushResponse{
			MerchantRequestID: "mr-1",
			CheckoutRequestID: "cr-1",
			ResponseCode:      "0",
		})
	})
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), srv.Client(), slog.Default())

	resp, err := c.STKPush(context.Background(), STKPushRequest{
		PhoneNumber:      "254712345678",
		Amount:           decimal.RequireFromString("1500.00"),
		AccountReference: "ZEM-7KQ2F9",
		TransactionDesc:  "Escrow payment",
	})
	require.NoError(t, err)
	assert.Equal(t, "cr-1", resp.CheckoutRequestID)

	assert.Equal(t, "174379", got["BusinessShortCode"])
	assert.Equal(t, "CustomerPayBillOnline", got["TransactionType"])
	assert.Equal(t, float64(1500), got["Amount"])
	assert.Equal(t, "254712345678", got["PhoneNumber"])
	assert.Equal(t, "ZEM-7KQ2F9", got["AccountReference"])
	assert.Equal(t, "https://example.com/callback", got["CallBackURL"])

	// Password is base64(shortcode + passkey + timestamp).
	timestamp, _ := got["Timestamp"].(string)
	require.Len(t, timestamp, 14)
	want := base64.StdEncoding.EncodeToString([]byte("174379passkey" + timestamp))
	assert.Equal(t, want, got["Password"])
}

func TestAccessTokenCached(t *testing.T) {
	var tokenCalls atomic.Int64
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(STKStatusResponse{ResponseCode: "0", ResultCode: "0"})
	})
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), srv.Client(), slog.Default())

	for i := 0; i < 3; i++ {
		_, err := c.QuerySTKStatus(context.Background(), "cr-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestB2CPayment(t *testing.T) {
	var tokenCalls atomic.Int64
	var got map[string]any

	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/b2c/v1/paymentrequest", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(B2CResponse{ConversationID: "AG_1", ResponseCode: "0"})
	})
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.InitiatorName = "testapi"
	cfg.SecurityCredential = "enc-cred"
	c := NewClient(cfg, srv.Client(), slog.Default())

	resp, err := c.B2CPayment(context.Background(), B2CRequest{
		PhoneNumber: "254722000111",
		Amount:      decimal.RequireFromString("1500.00"),
		Remarks:     "Escrow payout ZEM-7KQ2F9",
	})
	require.NoError(t, err)
	assert.Equal(t, "AG_1", resp.ConversationID)

	assert.Equal(t, "BusinessPayment", got["CommandID"])
	assert.Equal(t, "testapi", got["InitiatorName"])
	assert.Equal(t, float64(1500), got["Amount"])
	assert.Equal(t, "174379", got["PartyA"])
	assert.Equal(t, "254722000111", got["PartyB"])
	assert.Equal(t, "https://example.com/result", got["ResultURL"])
}

func TestPostErrorStatus(t *testing.T) {
	var tokenCalls atomic.Int64
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorMessage":"invalid request"}`, http.StatusBadRequest)
	})
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), srv.Client(), slog.Default())

	_, err := c.QuerySTKStatus(context.Background(), "cr-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestSTKCallbackParse(t *testing.T) {
	payload := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1500.00},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`

	var env STKCallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(payload), &env))

	cb := env.Body.StkCallback
	assert.True(t, cb.Succeeded())
	assert.Equal(t, "ws_CO_191220191020363925", cb.CheckoutRequestID)
	assert.Equal(t, "NLJ7RT61SV", cb.ReceiptNumber())

	amount, ok := cb.MetadataValue("Amount")
	require.True(t, ok)
	assert.Equal(t, float64(1500), amount)

	_, ok = cb.MetadataValue("Balance")
	assert.False(t, ok)
}

func TestSTKCallbackFailure(t *testing.T) {
	payload := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user."
			}
		}
	}`

	var env STKCallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(payload), &env))

	cb := env.Body.StkCallback
	assert.False(t, cb.Succeeded())
	assert.Empty(t, cb.ReceiptNumber())
}

func TestB2CResultParse(t *testing.T) {
	payload := `{
		"Result": {
			"ResultType": 0,
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"OriginatorConversationID": "10571-7910404-1",
			"ConversationID": "AG_20191219_00004e48cf7e3533f581",
			"TransactionID": "NLJ41HAY6Q"
		}
	}`

	var env B2CResultEnvelope
	require.NoError(t, json.Unmarshal([]byte(payload), &env))

	assert.True(t, env.Result.Succeeded())
	assert.Equal(t, "AG_20191219_00004e48cf7e3533f581", env.Result.ConversationID)
	assert.Equal(t, "NLJ41HAY6Q", env.Result.TransactionID)
}
