package connector

import (
	"errors"
	"testing"

	"github.com/fxsml/gomediate/exchange"
)

func TestPayload(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{name: "nil", body: nil, want: ""},
		{name: "bytes", body: []byte("raw"), want: "raw"},
		{name: "string", body: "text", want: "text"},
		{name: "struct", body: struct{ A int }{A: 1}, want: `{"A":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Payload(exchange.NewMessage(tt.body), nil)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	_, err := Payload(exchange.NewMessage(func() {}), nil)
	if !errors.Is(err, ErrEncode) {
		t.Errorf("expected ErrEncode, got %v", err)
	}
}

func TestHeaders(t *testing.T) {
	ex := exchange.New(nil)
	ex.In.SetHeader("b", 2)
	ex.In.SetHeader("a", "x")
	ex.In.SetHeader("skip", nil)
	ex.SetFailure("charge", errors.New("declined"))

	hs := Headers(ex, ex.In)

	want := []Header{
		{Key: "a", Value: "x"},
		{Key: "b", Value: "2"},
		{Key: HeaderExchangeID, Value: ex.ID},
		{Key: HeaderExceptionCaught, Value: "declined"},
		{Key: HeaderFailureStage, Value: "charge"},
	}
	if len(hs) != len(want) {
		t.Fatalf("got %v", hs)
	}
	for i := range want {
		if hs[i] != want[i] {
			t.Errorf("header %d: got %v, want %v", i, hs[i], want[i])
		}
	}
}
