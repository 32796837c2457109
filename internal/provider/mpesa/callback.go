package mpesa

import "encoding/base64"

// Daraja callback payload shapes. Field names mirror the wire format.

type STKCallbackEnvelope struct {
	Body struct {
		StkCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []CallbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// Succeeded reports whether the push completed (ResultCode 0).
func (c STKCallback) Succeeded() bool {
	return c.ResultCode == 0
}

// MetadataValue looks up a CallbackMetadata item by name.
func (c STKCallback) MetadataValue(name string) (any, bool) {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

// ReceiptNumber extracts the MpesaReceiptNumber, the provider-global
// transaction id used for correlation.
func (c STKCallback) ReceiptNumber() string {
	v, ok := c.MetadataValue("MpesaReceiptNumber")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

type B2CResultEnvelope struct {
	Result B2CResult `json:"Result"`
}

type B2CResult struct {
	ResultType               int    `json:"ResultType"`
	ResultCode               int    `json:"ResultCode"`
	ResultDesc               string `json:"ResultDesc"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	TransactionID            string `json:"TransactionID"`
}

func (r B2CResult) Succeeded() bool {
	return r.ResultCode == 0
}

func base64encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
