package daraja

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CallbackResult is the outcome the gateway posts for an STK push.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Receipt           string
	Amount            int64
	Phone             string
}

func (r CallbackResult) Succeeded() bool {
	return r.ResultCode == 0
}

type callbackEnvelope struct {
	Body struct {
		STKCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes an STK callback body.
func ParseCallback(body []byte) (CallbackResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return CallbackResult{}, fmt.Errorf("decode callback: %w", err)
	}
	cb := env.Body.STKCallback
	if cb.CheckoutRequestID == "" {
		return CallbackResult{}, fmt.Errorf("decode callback: missing CheckoutRequestID")
	}
	out := CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	for _, item := range cb.CallbackMetadata.Item {
		v := rawScalar(item.Value)
		switch item.Name {
		case "MpesaReceiptNumber":
			out.Receipt = v
		case "Amount":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out.Amount = int64(f)
			}
		case "PhoneNumber":
			out.Phone = v
		}
	}
	return out, nil
}

// rawScalar renders a JSON string or number without quotes.
func rawScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// AccountRefLen is how much of a charge reference the gateway keeps as the
// account reference shown to the payer.
const AccountRefLen = 12

// AccountReference is the account number a payer sees for a charge and may
// type when paying the shortcode directly.
func AccountReference(reference string) string {
	return truncate(reference, AccountRefLen)
}

// Result codes answered to C2B validation requests.
const (
	C2BAccepted       = "0"
	C2BInvalidAccount = "C2B00012"
	C2BInvalidAmount  = "C2B00013"
)

// C2BPayment is a confirmation or validation request posted for money paid
// straight to a shortcode rather than through an STK prompt.
type C2BPayment struct {
	TransactionType string
	TransID         string
	TransTime       string
	Amount          int64
	Shortcode       string
	BillRef         string
	Phone           string
}

type c2bBody struct {
	TransactionType   string      `json:"TransactionType"`
	TransID           string      `json:"TransID"`
	TransTime         string      `json:"TransTime"`
	TransAmount       json.Number `json:"TransAmount"`
	BusinessShortCode string      `json:"BusinessShortCode"`
	BillRefNumber     string      `json:"BillRefNumber"`
	MSISDN            string      `json:"MSISDN"`
}

// ParseC2B decodes a C2B confirmation or validation body. Amounts arrive as
// decimal strings ("50.00") and are kept in whole units.
func ParseC2B(body []byte) (C2BPayment, error) {
	var raw c2bBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return C2BPayment{}, fmt.Errorf("decode c2b: %w", err)
	}
	if raw.TransID == "" {
		return C2BPayment{}, fmt.Errorf("decode c2b: missing TransID")
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(raw.TransAmount.String()), 64)
	if err != nil {
		return C2BPayment{}, fmt.Errorf("decode c2b: bad TransAmount %q", raw.TransAmount)
	}
	return C2BPayment{
		TransactionType: raw.TransactionType,
		TransID:         raw.TransID,
		TransTime:       raw.TransTime,
		Amount:          int64(amount),
		Shortcode:       raw.BusinessShortCode,
		BillRef:         strings.TrimSpace(raw.BillRefNumber),
		Phone:           raw.MSISDN,
	}, nil
}
