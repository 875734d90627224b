package feed

import (
	"encoding/json"
	"testing"
)

func TestTokenFor(t *testing.T) {
	if got := TokenFor("IBM US Equity"); got != Token("IBM US Equity") {
		t.Errorf("TokenFor = %q, want %q", got, "IBM US Equity")
	}
	if TokenFor("AAPL") != TokenFor("AAPL") {
		t.Error("TokenFor is not deterministic")
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"ADMIN", KindAdmin},
		{"SESSION_STATUS", KindSessionStatus},
		{"SERVICE_STATUS", KindServiceStatus},
		{"SUBSCRIPTION_STATUS", KindSubscriptionStatus},
		{"SUBSCRIPTION_DATA", KindSubscriptionData},
		{"PARTIAL_RESPONSE", KindOther},
		{"", KindOther},
	}

	for _, tt := range tests {
		if got := ParseKind(tt.in); got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseMessageType_RoundTrip(t *testing.T) {
	for typ, name := range messageTypeNames {
		if got := ParseMessageType(name); got != typ {
			t.Errorf("ParseMessageType(%q) = %v, want %v", name, got, typ)
		}
		if typ.String() != name {
			t.Errorf("%d.String() = %q, want %q", typ, typ.String(), name)
		}
	}

	if got := ParseMessageType("Bogus"); got != Unknown {
		t.Errorf("ParseMessageType(Bogus) = %v, want Unknown", got)
	}
}

func TestMessage_Decode(t *testing.T) {
	msg := Message{
		Type:  MarketDataEvents,
		Token: "AAPL",
		Data:  json.RawMessage(`{"LAST_PRICE":101.5}`),
	}

	var fields map[string]float64
	if err := msg.Decode(&fields); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if fields["LAST_PRICE"] != 101.5 {
		t.Errorf("LAST_PRICE = %v, want 101.5", fields["LAST_PRICE"])
	}

	empty := Message{Type: MarketDataEvents}
	if err := empty.Decode(&fields); err != nil {
		t.Errorf("Decode of empty payload returned %v, want nil", err)
	}
}
