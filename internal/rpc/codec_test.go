package rpc

import (
	"testing"

	"google.golang.org/grpc/encoding"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatal("json codec not registered")
	}

	type payload struct {
		NodeID string `json:"node_id"`
	}
	data, err := c.Marshal(&payload{NodeID: "n1"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"node_id":"n1"}` {
		t.Errorf("Marshal() = %s", data)
	}

	var empty payload
	if err := c.Unmarshal(nil, &empty); err != nil {
		t.Errorf("Unmarshal(nil) error = %v", err)
	}
	if err := c.Unmarshal([]byte("{"), &empty); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}

func TestMethodName(t *testing.T) {
	if got := MethodName("groupmanager.v1.MonitoringService", "Report"); got != "/groupmanager.v1.MonitoringService/Report" {
		t.Errorf("MethodName() = %s", got)
	}
}
