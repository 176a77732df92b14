package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/dbtest"
	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/ingest"
	"github.com/miragespace/billing/lifecycle"
	"github.com/miragespace/billing/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func sign(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventJSON(id, eventType string, object interface{}) []byte {
	raw, _ := json.Marshal(object)
	b, _ := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     1775044800,
		"api_version": "2020-08-27",
		"data": map[string]json.RawMessage{
			"object": raw,
		},
	})
	return b
}

func event(t *testing.T, eventType string, object interface{}) stripe.Event {
	t.Helper()
	var ev stripe.Event
	require.NoError(t, json.Unmarshal(eventJSON("evt_1", eventType, object), &ev))
	return ev
}

func chargeMeta(attempt string) map[string]string {
	return map[string]string{
		"subscription_id": "sub_1",
		"invoice_id":      "inv_1",
		"attempt":         attempt,
	}
}

func TestNormalizePaymentIntents(t *testing.T) {
	cmd, err := Normalize(event(t, "payment_intent.succeeded", map[string]interface{}{
		"id":              "pi_1",
		"object":          "payment_intent",
		"amount_received": 1999,
		"metadata":        chargeMeta("2"),
	}))
	require.NoError(t, err)
	assert.Equal(t, command.MarkInvoicePaid{
		SubscriptionID: "sub_1",
		InvoiceID:      "inv_1",
		Attempt:        2,
		ChargeID:       "pi_1",
		Amount:         1999,
		At:             time.Unix(1775044800, 0).UTC(),
	}, cmd)

	cmd, err = Normalize(event(t, "payment_intent.payment_failed", map[string]interface{}{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": chargeMeta("1"),
		"last_payment_error": map[string]interface{}{
			"code":         "card_declined",
			"decline_code": "insufficient_funds",
		},
	}))
	require.NoError(t, err)
	failed, ok := cmd.(command.MarkInvoiceFailed)
	require.True(t, ok)
	assert.Equal(t, 1, failed.Attempt)
	assert.Equal(t, "insufficient_funds", failed.Reason)

	cmd, err = Normalize(event(t, "payment_intent.canceled", map[string]interface{}{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": chargeMeta("1"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "canceled", cmd.(command.MarkInvoiceFailed).Reason)
}

func TestNormalizeSkipsForeignObjects(t *testing.T) {
	cmd, err := Normalize(event(t, "payment_intent.succeeded", map[string]interface{}{
		"id":     "pi_1",
		"object": "payment_intent",
	}))
	require.NoError(t, err)
	assert.Nil(t, cmd)

	cmd, err = Normalize(event(t, "payment_intent.succeeded", map[string]interface{}{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": chargeMeta("two"),
	}))
	require.NoError(t, err)
	assert.Nil(t, cmd)

	cmd, err = Normalize(event(t, "invoice.created", map[string]interface{}{
		"id": "in_1",
	}))
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestNormalizeRefundsAndCustomers(t *testing.T) {
	refund := map[string]interface{}{
		"id":     "re_1",
		"object": "refund",
		"amount": 500,
		"status": "pending",
		"metadata": map[string]string{
			"subscription_id": "sub_1",
			"refund_id":       "rf_1",
		},
	}
	cmd, err := Normalize(event(t, "refund.created", refund))
	require.NoError(t, err)
	assert.Nil(t, cmd)

	refund["status"] = "succeeded"
	cmd, err = Normalize(event(t, "refund.updated", refund))
	require.NoError(t, err)
	assert.Equal(t, command.RecordRefund{
		SubscriptionID: "sub_1",
		RefundID:       "rf_1",
		ProcessorID:    "re_1",
		Amount:         500,
		At:             time.Unix(1775044800, 0).UTC(),
	}, cmd)

	cmd, err = Normalize(event(t, "customer.updated", map[string]interface{}{
		"id":     "cus_stripe_1",
		"object": "customer",
		"invoice_settings": map[string]interface{}{
			"default_payment_method": "pm_new",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, command.SetPaymentMethod{
		ProcessorCustomerID: "cus_stripe_1",
		PaymentMethod:       "pm_new",
		At:                  time.Unix(1775044800, 0).UTC(),
	}, cmd)

	cmd, err = Normalize(event(t, "customer.updated", map[string]interface{}{
		"id":     "cus_stripe_1",
		"object": "customer",
	}))
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestNormalizeMalformedObject(t *testing.T) {
	ev := stripe.Event{
		ID:   "evt_1",
		Type: "payment_intent.succeeded",
		Data: &stripe.EventData{Raw: json.RawMessage(`[1, 2]`)},
	}
	_, err := Normalize(ev)
	assert.ErrorIs(t, err, ingest.ErrInvalidPayload)

	_, err = Normalize(stripe.Event{ID: "evt_2", Type: "payment_intent.succeeded"})
	assert.ErrorIs(t, err, ingest.ErrInvalidPayload)
}

func TestVerifier(t *testing.T) {
	_, err := NewVerifier("", 0)
	assert.Error(t, err)

	v, err := NewVerifier(testSecret, 0)
	require.NoError(t, err)
	payload := eventJSON("evt_1", "payment_intent.succeeded", map[string]string{"id": "pi_1"})

	ev, err := v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)

	_, err = v.Verify(payload, sign(t, payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, spec.ErrVerification)

	_, err = v.Verify(payload, sign(t, payload, testSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, spec.ErrVerification)

	_, err = v.Verify(payload, "")
	assert.ErrorIs(t, err, spec.ErrVerification)
}

// recordingDispatcher completes the ledger the way the engine does
type recordingDispatcher struct {
	mu   sync.Mutex
	db   *gorm.DB
	fail error
	envs []lifecycle.Envelope
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, env lifecycle.Envelope) (idempotency.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.envs = append(r.envs, env)
	if err := idempotency.Complete(r.db, env.EventID, idempotency.OutcomeApplied); err != nil {
		return "", err
	}
	return idempotency.OutcomeApplied, nil
}

func newServer(t *testing.T) (*httptest.Server, *recordingDispatcher) {
	t.Helper()
	db := dbtest.New(t)
	ledger, err := idempotency.NewLedger(idempotency.LedgerOptions{DB: db, Logger: zap.NewNop()})
	require.NoError(t, err)
	d := &recordingDispatcher{db: db}
	p, err := ingest.NewPipeline(ingest.PipelineOptions{
		Ledger:     ledger,
		Dispatcher: d,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	v, err := NewVerifier(testSecret, 0)
	require.NoError(t, err)
	s, err := NewService(ServiceOptions{
		Verifier:     v,
		Pipeline:     p,
		Logger:       zap.NewNop(),
		MaxBodyBytes: 4096,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, d
}

func post(t *testing.T, srv *httptest.Server, payload []byte, signature string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", signature)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body := map[string]interface{}{}
	json.NewDecoder(res.Body).Decode(&body)
	return res.StatusCode, body
}

func TestServiceAppliesSignedEventOnce(t *testing.T) {
	srv, d := newServer(t)
	payload := eventJSON("evt_1", "payment_intent.succeeded", map[string]interface{}{
		"id":              "pi_1",
		"object":          "payment_intent",
		"amount_received": 1999,
		"metadata":        chargeMeta("1"),
	})

	status, body := post(t, srv, payload, sign(t, payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	status, body = post(t, srv, payload, sign(t, payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", body["outcome"])

	require.Len(t, d.envs, 1)
	assert.Equal(t, "evt_1", d.envs[0].EventID)
	assert.Equal(t, "sub_1", d.envs[0].Command.(command.MarkInvoicePaid).SubscriptionID)
}

func TestServiceIgnoresUnhandledEvents(t *testing.T) {
	srv, d := newServer(t)
	payload := eventJSON("evt_1", "charge.dispute.created", map[string]string{"id": "dp_1"})

	status, body := post(t, srv, payload, sign(t, payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", body["outcome"])
	assert.Empty(t, d.envs)
}

func TestServiceRejectsBadRequests(t *testing.T) {
	srv, d := newServer(t)
	payload := eventJSON("evt_1", "payment_intent.succeeded", map[string]string{"id": "pi_1"})

	status, _ := post(t, srv, payload, sign(t, payload, "whsec_other", time.Now()))
	assert.Equal(t, http.StatusBadRequest, status)

	large := []byte(`{"id":"evt_2","padding":"` + strings.Repeat("x", 8192) + `"}`)
	status, _ = post(t, srv, large, sign(t, large, testSecret, time.Now()))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	assert.Empty(t, d.envs)
}

func TestServiceAsksForRedeliveryOnPersistenceFailure(t *testing.T) {
	srv, d := newServer(t)
	d.fail = errors.New("database is gone")
	payload := eventJSON("evt_1", "payment_intent.succeeded", map[string]interface{}{
		"id":       "pi_1",
		"object":   "payment_intent",
		"metadata": chargeMeta("1"),
	})

	status, _ := post(t, srv, payload, sign(t, payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, status)

	d.fail = nil
	status, body := post(t, srv, payload, sign(t, payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])
}
