package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/envelope"
	"github.com/xmtp/mlsengine/pkg/wire"
)

func TestExtractLegacySingleMessage(t *testing.T) {
	e := envelope.New()

	data := wire.MarshalLegacyGroupMessage(&wire.LegacyGroupMessageV1{
		ID:        42,
		CreatedNS: 1000,
		GroupID:   []byte("group-1"),
		Data:      []byte("hello"),
	})

	msgs, err := e.Extract(data)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("group-1"), msgs[0].GroupID)
	assert.Equal(t, uint64(42), msgs[0].Cursor.SequenceID)
	assert.Equal(t, uint32(0), msgs[0].Cursor.OriginatorID)
	assert.Equal(t, []byte("hello"), msgs[0].PayloadBytes)
}

func TestExtractFederatedBatchNoDependency(t *testing.T) {
	e := envelope.New()

	oe := wire.EncodeOriginatorEnvelope(1, 1, 500, &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("group-1")},
		Payload: []byte("payload-1"),
	})
	data := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{oe})

	msgs, err := e.Extract(data)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("group-1"), msgs[0].GroupID)
	assert.Equal(t, []byte("payload-1"), msgs[0].PayloadBytes)
	assert.Equal(t, uint64(1), msgs[0].Cursor.SequenceID)
	assert.Equal(t, uint32(1), msgs[0].Cursor.OriginatorID)
}

func TestExtractInvalidPayload(t *testing.T) {
	e := envelope.New()
	_, err := e.Extract([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, envelope.ErrInvalidPayload)
}

func TestExtractIceboxesEnvelopeWithUnmetDependency(t *testing.T) {
	e := envelope.New()

	dependent := wire.EncodeOriginatorEnvelope(1, 2, 500, &wire.ClientEnvelope{
		AAD: wire.ClientEnvelopeAAD{
			TargetTopic:           []byte("group-1"),
			HasDependsOn:          true,
			DependsOnSequenceID:   1,
			DependsOnOriginatorID: 1,
		},
		Payload: []byte("dependent"),
	})
	data := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{dependent})

	msgs, err := e.Extract(data)
	require.NoError(t, err)
	assert.Empty(t, msgs, "an envelope whose predecessor hasn't arrived must be iceboxed, not emitted")
}

func TestExtractReleasesIceboxOnceDependencyArrives(t *testing.T) {
	e := envelope.New()

	dependent := wire.EncodeOriginatorEnvelope(1, 2, 500, &wire.ClientEnvelope{
		AAD: wire.ClientEnvelopeAAD{
			TargetTopic:           []byte("group-1"),
			HasDependsOn:          true,
			DependsOnSequenceID:   1,
			DependsOnOriginatorID: 1,
		},
		Payload: []byte("dependent"),
	})
	data := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{dependent})
	msgs, err := e.Extract(data)
	require.NoError(t, err)
	require.Empty(t, msgs)

	predecessor := wire.EncodeOriginatorEnvelope(1, 1, 400, &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("group-1")},
		Payload: []byte("predecessor"),
	})
	data2 := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{predecessor})

	msgs, err = e.Extract(data2)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "releasing the predecessor must also release its iceboxed dependent, in order")
	assert.Equal(t, []byte("predecessor"), msgs[0].PayloadBytes)
	assert.Equal(t, []byte("dependent"), msgs[1].PayloadBytes)
}

func TestExtractReleasesAllWaitersSharingOneDependency(t *testing.T) {
	e := envelope.New()

	dependsOn := wire.ClientEnvelopeAAD{
		TargetTopic:           []byte("group-1"),
		HasDependsOn:          true,
		DependsOnSequenceID:   1,
		DependsOnOriginatorID: 1,
	}
	first := wire.EncodeOriginatorEnvelope(1, 2, 500, &wire.ClientEnvelope{AAD: dependsOn, Payload: []byte("dependent-1")})
	second := wire.EncodeOriginatorEnvelope(1, 3, 510, &wire.ClientEnvelope{AAD: dependsOn, Payload: []byte("dependent-2")})
	data := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{first, second})

	msgs, err := e.Extract(data)
	require.NoError(t, err)
	require.Empty(t, msgs, "both envelopes share the same unmet predecessor and must both be iceboxed")

	predecessor := wire.EncodeOriginatorEnvelope(1, 1, 400, &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("group-1")},
		Payload: []byte("predecessor"),
	})
	data2 := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{predecessor})

	msgs, err = e.Extract(data2)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "releasing the shared predecessor must release every waiter for that key, not just the first")
	assert.Equal(t, []byte("predecessor"), msgs[0].PayloadBytes)
	assert.Equal(t, []byte("dependent-1"), msgs[1].PayloadBytes)
	assert.Equal(t, []byte("dependent-2"), msgs[2].PayloadBytes)
}

func TestExtractResetClearsIceboxAndObservedState(t *testing.T) {
	e := envelope.New()

	dependent := wire.EncodeOriginatorEnvelope(1, 2, 500, &wire.ClientEnvelope{
		AAD: wire.ClientEnvelopeAAD{
			TargetTopic:           []byte("group-1"),
			HasDependsOn:          true,
			DependsOnSequenceID:   1,
			DependsOnOriginatorID: 1,
		},
		Payload: []byte("dependent"),
	})
	data := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{dependent})
	_, err := e.Extract(data)
	require.NoError(t, err)

	e.Reset()

	predecessor := wire.EncodeOriginatorEnvelope(1, 1, 400, &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: []byte("group-1")},
		Payload: []byte("predecessor"),
	})
	data2 := wire.MarshalFederatedBatch([]*wire.OriginatorEnvelope{predecessor})
	msgs, err := e.Extract(data2)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "after Reset the dropped icebox entry must not resurface")
}
