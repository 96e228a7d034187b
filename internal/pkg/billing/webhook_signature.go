package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance is the maximum accepted clock skew between the
// webhook-timestamp header and the receiving host.
const SignatureTolerance = 5 * time.Minute

// VerifyWebhookSignature validates a timestamped HMAC-SHA256 webhook
// signature. The signed content is "<id>.<timestamp>.<payload>" over the raw
// request bytes; the signature header carries one or more space-separated
// "v1,<base64>" entries of which any may match.
func VerifyWebhookSignature(payload []byte, msgID, signatureHeader, timestampHeader, webhookSecret string) bool {
	return verifyWebhookSignatureAt(time.Now(), payload, msgID, signatureHeader, timestampHeader, webhookSecret)
}

func verifyWebhookSignatureAt(now time.Time, payload []byte, msgID, signatureHeader, timestampHeader, webhookSecret string) bool {
	id := strings.TrimSpace(msgID)
	sigHeader := strings.TrimSpace(signatureHeader)
	tsRaw := strings.TrimSpace(timestampHeader)
	secret := strings.TrimSpace(webhookSecret)
	if id == "" || sigHeader == "" || tsRaw == "" || secret == "" {
		return false
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > SignatureTolerance || skew < -SignatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, signingKey(secret))
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(tsRaw))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, part := range strings.Fields(sigHeader) {
		versioned := strings.SplitN(part, ",", 2)
		if len(versioned) != 2 || versioned[0] != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(versioned[1])
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return true
		}
	}
	return false
}

// signingKey strips the conventional "whsec_" prefix and decodes the
// remainder as base64; an undecodable remainder is used verbatim, still
// without the prefix.
func signingKey(secret string) []byte {
	raw := strings.TrimPrefix(secret, "whsec_")
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return key
	}
	return []byte(raw)
}
