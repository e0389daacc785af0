package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/wire"
)

func TestSniffLegacyAndFederated(t *testing.T) {
	legacy := wire.MarshalLegacyGroupMessage(&wire.LegacyGroupMessageV1{ID: 1, GroupID: []byte("g")})
	assert.Equal(t, wire.FormatLegacy, wire.Sniff(legacy))

	federated := wire.MarshalFederatedBatch(nil)
	assert.Equal(t, wire.FormatFederated, wire.Sniff(federated))

	assert.Equal(t, wire.FormatUnknown, wire.Sniff(nil))
	assert.Equal(t, wire.FormatUnknown, wire.Sniff([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}))
}

func TestLegacyGroupMessageRoundTrip(t *testing.T) {
	want := &wire.LegacyGroupMessageV1{
		ID:         7,
		CreatedNS:  123456,
		GroupID:    []byte("group-1"),
		Data:       []byte("payload"),
		SenderHMAC: []byte("hmac"),
		ShouldPush: true,
		IsCommit:   false,
	}
	data := wire.MarshalLegacyGroupMessage(want)
	got, err := wire.UnmarshalLegacyGroupMessage(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUnmarshalLegacyGroupMessageRejectsWrongTopLevelField(t *testing.T) {
	federated := wire.MarshalFederatedBatch(nil)
	_, err := wire.UnmarshalLegacyGroupMessage(federated)
	assert.Error(t, err)
}

func TestClientEnvelopeRoundTripWithDependency(t *testing.T) {
	want := &wire.ClientEnvelope{
		AAD: wire.ClientEnvelopeAAD{
			TargetTopic:           []byte("group-1"),
			HasDependsOn:          true,
			DependsOnSequenceID:   4,
			DependsOnOriginatorID: 2,
		},
		Payload: []byte("hello"),
	}
	data := wire.MarshalClientEnvelope(want)
	got, err := wire.UnmarshalClientEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClientEnvelopeWithoutDependencyLeavesHasDependsOnFalse(t *testing.T) {
	want := &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("group-1")},
		Payload: []byte("hello"),
	}
	data := wire.MarshalClientEnvelope(want)
	got, err := wire.UnmarshalClientEnvelope(data)
	require.NoError(t, err)
	assert.False(t, got.AAD.HasDependsOn)
}

func TestEncodeDecodeOriginatorEnvelopeRoundTrip(t *testing.T) {
	client := &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("group-1")},
		Payload: []byte("payload-1"),
	}
	oe := wire.EncodeOriginatorEnvelope(9, 42, 1000, client)

	unsigned, decodedClient, err := wire.DecodeOriginatorEnvelope(oe)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), unsigned.OriginatorNodeID)
	assert.Equal(t, uint64(42), unsigned.OriginatorSequenceID)
	assert.Equal(t, uint64(1000), unsigned.OriginatorNS)
	assert.Equal(t, client, decodedClient)
}

func TestFederatedBatchRoundTripPreservesOrderAndCount(t *testing.T) {
	oe1 := wire.EncodeOriginatorEnvelope(1, 1, 100, &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("g1")},
		Payload: []byte("first"),
	})
	oe2 := wire.EncodeOriginatorEnvelope(1, 2, 200, &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("g1")},
		Payload: []byte("second"),
	})

	data := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{oe1, oe2})
	out, err := wire.UnmarshalFederatedBatch(data)
	require.NoError(t, err)
	require.Len(t, out, 2)

	_, c1, err := wire.DecodeOriginatorEnvelope(out[0])
	require.NoError(t, err)
	_, c2, err := wire.DecodeOriginatorEnvelope(out[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), c1.Payload)
	assert.Equal(t, []byte("second"), c2.Payload)
}

func TestUnmarshalFederatedBatchRejectsLegacyPayload(t *testing.T) {
	legacy := wire.MarshalLegacyGroupMessage(&wire.LegacyGroupMessageV1{ID: 1})
	_, err := wire.UnmarshalFederatedBatch(legacy)
	assert.Error(t, err)
}

func TestSignedCommitLogEntryRoundTrip(t *testing.T) {
	want := &wire.SignedCommitLogEntry{
		Entry: &wire.PlaintextCommitLogEntry{
			GroupID:                   []byte("group-1"),
			CommitSequenceID:          3,
			LastEpochAuthenticator:    []byte("auth-prev"),
			CommitResult:              1,
			AppliedEpochNumber:        4,
			AppliedEpochAuthenticator: []byte("auth-next"),
		},
		PublicKey: []byte("pubkey"),
		Signature: []byte("sig"),
	}
	data := wire.MarshalSignedCommitLogEntry(want)
	got, err := wire.UnmarshalSignedCommitLogEntry(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMarshalCommitLogEntryIsDeterministic(t *testing.T) {
	e := &wire.PlaintextCommitLogEntry{GroupID: []byte("g"), CommitSequenceID: 1}
	a := wire.MarshalCommitLogEntry(e)
	b := wire.MarshalCommitLogEntry(e)
	assert.Equal(t, a, b, "signing depends on a stable canonical encoding")
}
