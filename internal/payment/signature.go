package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SignPaymentRequest signs a payment link request.  The gateway expects the
// HMAC-SHA256 of the five fields in alphabetical order, joined as a query
// string without escaping.
func SignPaymentRequest(checksumKey string, amount int64, cancelURL, description string, orderCode int64, returnURL string) string {
	msg := "amount=" + strconv.FormatInt(amount, 10) +
		"&cancelUrl=" + cancelURL +
		"&description=" + description +
		"&orderCode=" + strconv.FormatInt(orderCode, 10) +
		"&returnUrl=" + returnURL
	return hmacHex(checksumKey, msg)
}

// SignData signs a webhook or response data object: every key sorted
// alphabetically, rendered k=v and joined with &.  Null values render empty;
// nested arrays and objects render as compact JSON.
func SignData(checksumKey string, data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(data[k]))
	}
	return hmacHex(checksumKey, strings.Join(parts, "&"))
}

// VerifyData reports whether signature matches the data object in raw.
func VerifyData(checksumKey string, raw json.RawMessage, signature string) bool {
	if signature == "" || len(raw) == 0 {
		return false
	}
	data, err := decodeObject(raw)
	if err != nil {
		return false
	}
	want := SignData(checksumKey, data)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}

// decodeObject keeps numbers as json.Number so they are signed exactly as
// they were sent.
func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("data is not an object")
	}
	return m, nil
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if t == "null" || t == "undefined" {
			return ""
		}
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func hmacHex(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
