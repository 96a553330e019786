package crmprovider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body as "sha256=<hex>"
const SignatureHeader = "X-CRM-Signature"

var wcfDate = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

// ParseWebhook decodes a RemoteExecutionContext. Messages that do not change
// a record (Retrieve, RetrieveMultiple, ...) yield nil, nil.
func (a *DynamicsAdapter) ParseWebhook(payload []byte, headers http.Header) (*crm.WebhookEvent, error) {
	var ec executionContext
	if err := json.Unmarshal(payload, &ec); err != nil {
		return nil, crm.ValidationError("dynamics webhook", err)
	}

	op := webhookOperation(ec.MessageName)
	if op == "" || ec.PrimaryEntityName == "" || ec.PrimaryEntityID == "" {
		return nil, nil
	}

	occurred, ok := parseOperationTime(ec.OperationCreatedOn)
	if !ok {
		occurred = a.now().UTC()
	}

	eventID := ec.RequestID
	if eventID == "" && ec.CorrelationID != "" {
		eventID = strings.Join([]string{ec.CorrelationID, string(op), ec.PrimaryEntityID}, ":")
	}
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = hex.EncodeToString(sum[:])
	}

	return &crm.WebhookEvent{
		EntityName: strings.ToLower(ec.PrimaryEntityName),
		RecordID:   strings.ToLower(ec.PrimaryEntityID),
		Operation:  op,
		EventID:    eventID,
		OccurredAt: occurred,
	}, nil
}

// ValidateWebhookSignature checks the HMAC of the body against the
// connection's webhook secret. A connection without a secret rejects all.
func (a *DynamicsAdapter) ValidateWebhookSignature(conn *crm.Connection, payload []byte, headers http.Header) bool {
	if conn == nil || conn.WebhookSecret == "" {
		return false
	}
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(headers.Get(SignatureHeader)), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(conn.WebhookSecret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignWebhookPayload returns the SignatureHeader value for a payload
func SignWebhookPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookOperation(message string) crm.WebhookOperation {
	switch strings.ToLower(message) {
	case "create":
		return crm.WebhookCreate
	case "update", "assign", "setstate", "setstatedynamicentity", "merge":
		return crm.WebhookUpdate
	case "delete":
		return crm.WebhookDelete
	}
	return ""
}

// parseOperationTime accepts RFC 3339 and the WCF "/Date(ms)/" form.
func parseOperationTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if m := wcfDate.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
