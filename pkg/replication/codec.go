package replication

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this package registers under,
// so grpc.ClientConn.Invoke/NewStream marshal through pkg/wire's
// hand-rolled encoding instead of requiring protoc-generated message
// types.
const codecName = "xmtpwire"

// rawMessage is the generic payload every replication RPC exchanges:
// already protobuf-wire-encoded bytes produced by pkg/wire.
type rawMessage []byte

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *rawMessage:
		return []byte(*m), nil
	case rawMessage:
		return []byte(m), nil
	default:
		return nil, fmt.Errorf("replication: codec cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("replication: codec cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}

func (wireCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(wireCodec{})
}
