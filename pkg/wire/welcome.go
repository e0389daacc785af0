package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WelcomeMetadataEntry is one key/value pair of welcome metadata
// (protowire has no native map type; this package encodes maps as
// repeated entries, the same trick generated protobuf map fields use
// under the hood).
type WelcomeMetadataEntry struct {
	Key   string
	Value string
}

// WelcomeMessageV1 is the wire shape of one welcome delivered on an
// installation's welcome topic.
type WelcomeMessageV1 struct {
	InstallationKey  []byte
	WelcomeID        uint64
	HPKECiphertext   []byte
	WrapperAlgorithm uint32
	Metadata         []WelcomeMetadataEntry
}

const (
	fieldWelcomeInstallationKey protowire.Number = 1
	fieldWelcomeID              protowire.Number = 2
	fieldWelcomeHPKECiphertext  protowire.Number = 3
	fieldWelcomeWrapperAlg      protowire.Number = 4
	fieldWelcomeMetadata        protowire.Number = 5

	fieldMetaKey   protowire.Number = 1
	fieldMetaValue protowire.Number = 2

	topFieldWelcomeV1 protowire.Number = 1
)

func marshalMetadataEntry(e WelcomeMetadataEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetaKey, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(e.Key))
	b = protowire.AppendTag(b, fieldMetaValue, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(e.Value))
	return b
}

func unmarshalMetadataEntry(data []byte) (WelcomeMetadataEntry, error) {
	var e WelcomeMetadataEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("wire: bad tag in metadata entry")
		}
		data = data[n:]
		switch num {
		case fieldMetaKey:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("wire: bad metadata key")
			}
			e.Key = string(x)
			data = data[n:]
		case fieldMetaValue:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("wire: bad metadata value")
			}
			e.Value = string(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, fmt.Errorf("wire: bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return e, nil
}

func marshalWelcomeV1(w *WelcomeMessageV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWelcomeInstallationKey, protowire.BytesType)
	b = protowire.AppendBytes(b, w.InstallationKey)
	b = protowire.AppendTag(b, fieldWelcomeID, protowire.VarintType)
	b = protowire.AppendVarint(b, w.WelcomeID)
	b = protowire.AppendTag(b, fieldWelcomeHPKECiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, w.HPKECiphertext)
	b = protowire.AppendTag(b, fieldWelcomeWrapperAlg, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.WrapperAlgorithm))
	for _, m := range w.Metadata {
		body := marshalMetadataEntry(m)
		b = protowire.AppendTag(b, fieldWelcomeMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

func unmarshalWelcomeV1(data []byte) (*WelcomeMessageV1, error) {
	w := &WelcomeMessageV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in WelcomeMessageV1")
		}
		data = data[n:]
		switch num {
		case fieldWelcomeInstallationKey:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad installation_key")
			}
			w.InstallationKey = append([]byte(nil), x...)
			data = data[n:]
		case fieldWelcomeID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad welcome id")
			}
			w.WelcomeID = x
			data = data[n:]
		case fieldWelcomeHPKECiphertext:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad hpke_ciphertext")
			}
			w.HPKECiphertext = append([]byte(nil), x...)
			data = data[n:]
		case fieldWelcomeWrapperAlg:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad wrapper_algorithm")
			}
			w.WrapperAlgorithm = uint32(x)
			data = data[n:]
		case fieldWelcomeMetadata:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad metadata entry")
			}
			entry, err := unmarshalMetadataEntry(x)
			if err != nil {
				return nil, err
			}
			w.Metadata = append(w.Metadata, entry)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return w, nil
}

// MarshalWelcomeMessage wraps w as the top-level welcome wire message.
func MarshalWelcomeMessage(w *WelcomeMessageV1) []byte {
	inner := marshalWelcomeV1(w)
	var b []byte
	b = protowire.AppendTag(b, topFieldWelcomeV1, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

// UnmarshalWelcomeMessage decodes a top-level welcome wire message.
func UnmarshalWelcomeMessage(data []byte) (*WelcomeMessageV1, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != topFieldWelcomeV1 || typ != protowire.BytesType {
		return nil, fmt.Errorf("wire: not a welcome message")
	}
	data = data[n:]
	inner, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, fmt.Errorf("wire: bad welcome message body")
	}
	return unmarshalWelcomeV1(inner)
}
