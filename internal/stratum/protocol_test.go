package stratum

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0",null]}`),
			want: &Message{
				ID:     float64(1),
				Method: "mining.subscribe",
				Params: []any{"miner/1.0", nil},
			},
		},
		{
			name: "request without id",
			data: []byte(`{"method":"mining.get_transactions","params":[]}`),
			want: &Message{
				Method: "mining.get_transactions",
				Params: []any{},
			},
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStratumErrorWireFormat(t *testing.T) {
	msg := NewErrorResponse(float64(5), ErrLowDifficultyShare())
	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	var decoded struct {
		ID    float64 `json:"id"`
		Error []any   `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if decoded.ID != 5 {
		t.Errorf("id = %v, want 5", decoded.ID)
	}
	if len(decoded.Error) != 3 {
		t.Fatalf("error tuple length = %d, want 3", len(decoded.Error))
	}
	if decoded.Error[0] != float64(ErrorCodeLowDifficulty) {
		t.Errorf("error code = %v, want %d", decoded.Error[0], ErrorCodeLowDifficulty)
	}
	if decoded.Error[1] != "low difficulty share" {
		t.Errorf("error message = %v", decoded.Error[1])
	}
	if decoded.Error[2] != nil {
		t.Errorf("traceback = %v, want nil", decoded.Error[2])
	}
}

func TestStratumErrorUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		data string
		want StratumError
	}{
		{
			name: "tuple form",
			data: `[23,"low difficulty share",null]`,
			want: StratumError{Code: 23, Message: "low difficulty share"},
		},
		{
			name: "object form",
			data: `{"code":24,"message":"unauthorized worker"}`,
			want: StratumError{Code: 24, Message: "unauthorized worker"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StratumError
			if err := json.Unmarshal([]byte(tt.data), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Code != tt.want.Code || got.Message != tt.want.Message {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParamFloat(t *testing.T) {
	tests := []struct {
		name   string
		params []any
		want   float64
		wantOK bool
	}{
		{name: "number", params: []any{float64(512)}, want: 512, wantOK: true},
		{name: "numeric string", params: []any{"1024.5"}, want: 1024.5, wantOK: true},
		{name: "garbage string", params: []any{"high"}, wantOK: false},
		{name: "missing", params: []any{}, wantOK: false},
		{name: "wrong type", params: []any{true}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Params: tt.params}
			got, ok := msg.ParamFloat(0)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("ParamFloat() = %v, %v, want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
