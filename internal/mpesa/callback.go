package mpesa

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is the flattened outcome of an STK push.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            string
	ReceiptNumber     string
	PhoneNumber       string
}

func (r CallbackResult) Succeeded() bool { return r.ResultCode == 0 }

var ErrMalformedCallback = errors.New("mpesa: malformed callback")

// ParseCallback decodes the Daraja stkCallback body.
func ParseCallback(body []byte) (CallbackResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return CallbackResult{}, errors.Join(ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return CallbackResult{}, ErrMalformedCallback
	}

	out := CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return out, nil
	}
	for _, it := range cb.CallbackMetadata.Item {
		v := metadataValue(it.Value)
		switch it.Name {
		case "Amount":
			out.Amount = v
		case "MpesaReceiptNumber":
			out.ReceiptNumber = v
		case "PhoneNumber":
			out.PhoneNumber = v
		}
	}
	return out, nil
}

// Values arrive as JSON strings or bare numbers.
func metadataValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}
