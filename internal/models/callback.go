package models

// CallbackEnvelope is the body Safaricom POSTs to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        int              `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
}

// CallbackMetadata is a flat list of name/value pairs. Items are not in any
// fixed order and any of them may be absent, so lookups go by name.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// Find returns the value of the first item with the given name.
func (m CallbackMetadata) Find(name string) (interface{}, bool) {
	for _, item := range m.Item {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

// FindString returns the item value as a string, or "" if absent or not a string.
func (m CallbackMetadata) FindString(name string) string {
	value, ok := m.Find(name)
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

// CallbackAck is the only response shape the callback endpoint ever returns.
// Safaricom retries on anything else, so even broken payloads get this.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
