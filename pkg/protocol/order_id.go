package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// OrderID accepts an order identifier sent either as a JSON number or as a
// numeric string. null and "" decode to zero, which handlers treat as missing.
type OrderID int64

func (o *OrderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*o = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ErrInvalidOrderID
		}
		*o = OrderID(n)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidOrderID
	}
	*o = OrderID(n)
	return nil
}
