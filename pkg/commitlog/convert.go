package commitlog

import (
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
)

func toWirePlaintextEntry(e types.CommitLogEntry) *wire.PlaintextCommitLogEntry {
	return &wire.PlaintextCommitLogEntry{
		GroupID:                   e.GroupID,
		CommitSequenceID:          e.CommitSequenceID,
		LastEpochAuthenticator:    e.LastEpochAuthenticator,
		CommitResult:              int32(e.CommitResult),
		AppliedEpochNumber:        e.AppliedEpochNumber,
		AppliedEpochAuthenticator: e.AppliedEpochAuthenticator,
	}
}

func fromWirePlaintextEntry(e *wire.PlaintextCommitLogEntry) types.CommitLogEntry {
	return types.CommitLogEntry{
		GroupID:                   e.GroupID,
		CommitSequenceID:          e.CommitSequenceID,
		LastEpochAuthenticator:    e.LastEpochAuthenticator,
		CommitResult:              types.CommitResult(e.CommitResult),
		AppliedEpochNumber:        e.AppliedEpochNumber,
		AppliedEpochAuthenticator: e.AppliedEpochAuthenticator,
	}
}

func toWireSignedEntry(e *types.SignedCommitLogEntry) *wire.SignedCommitLogEntry {
	return &wire.SignedCommitLogEntry{
		Entry:     toWirePlaintextEntry(e.Entry),
		PublicKey: e.PublicKey,
		Signature: e.Signature,
	}
}

func fromWireSignedEntry(e *wire.SignedCommitLogEntry) *types.SignedCommitLogEntry {
	return &types.SignedCommitLogEntry{
		Entry:     fromWirePlaintextEntry(e.Entry),
		PublicKey: e.PublicKey,
		Signature: e.Signature,
	}
}
