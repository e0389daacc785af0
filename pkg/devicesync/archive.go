package devicesync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// nonceSize is the GCM standard 12-byte nonce.
const nonceSize = 12

// EncodeArchive frames a sequence of backup elements as
// length-delimited records: a uvarint byte length followed by that
// many bytes of wire.MarshalBackupElement output, per element.
func EncodeArchive(elements []*wire.BackupElementV1) []byte {
	var out []byte
	for _, e := range elements {
		body := wire.MarshalBackupElement(e)
		out = protowire.AppendVarint(out, uint64(len(body)))
		out = append(out, body...)
	}
	return out
}

// DecodeArchive reverses EncodeArchive.
func DecodeArchive(data []byte) ([]*wire.BackupElementV1, error) {
	var out []*wire.BackupElementV1
	for len(data) > 0 {
		length, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, fmt.Errorf("devicesync: bad archive record length")
		}
		data = data[n:]
		if uint64(len(data)) < length {
			return nil, fmt.Errorf("devicesync: truncated archive record")
		}
		elem, err := wire.UnmarshalBackupElement(data[:length])
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
		data = data[length:]
	}
	return out, nil
}

// EncryptArchive seals plaintext with AES-256-GCM under key (must be
// 32 bytes), prefixing the ciphertext with its random nonce.
func EncryptArchive(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("devicesync: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("devicesync: gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("devicesync: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// DecryptArchive reverses EncryptArchive.
func DecryptArchive(key, data []byte) ([]byte, error) {
	if len(data) < nonceSize {
		return nil, fmt.Errorf("devicesync: archive shorter than nonce")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("devicesync: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("devicesync: gcm: %w", err)
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("devicesync: decrypt archive: %w", err)
	}
	return plain, nil
}

// archiveOptions narrows BuildArchive to a single group's rows when
// present; an empty groupIDHex means every known group.
type archiveOptions struct {
	groupIDHex string
}

func parseArchiveOptions(entries []wire.WelcomeMetadataEntry) archiveOptions {
	var opts archiveOptions
	for _, e := range entries {
		if e.Key == "group_id" {
			opts.groupIDHex = e.Value
		}
	}
	return opts
}

// BuildArchive assembles the plaintext, unencrypted archive content for
// a Request's options: a leading Metadata element, then one Group
// element per known group (scoped to options.groupIDHex if set),
// followed by that group's messages and any consent records.
func BuildArchive(store storage.Store, options []wire.WelcomeMetadataEntry) ([]byte, error) {
	opts := parseArchiveOptions(options)

	var elements []*wire.BackupElementV1
	err := store.View(func(tx storage.Tx) error {
		groups, err := tx.ListGroups()
		if err != nil {
			return err
		}

		kinds := []uint32{uint32(wire.BackupElementMetadata), uint32(wire.BackupElementGroup), uint32(wire.BackupElementGroupMessage), uint32(wire.BackupElementConsent)}
		elements = append(elements, &wire.BackupElementV1{
			Kind: wire.BackupElementMetadata,
			Metadata: &wire.BackupMetadataV1{
				Elements:     kinds,
				ExportedAtNS: types.NowNS(),
			},
		})

		for _, g := range groups {
			if opts.groupIDHex != "" && fmt.Sprintf("%x", g.ID) != opts.groupIDHex {
				continue
			}
			elements = append(elements, groupElement(g))

			msgs, err := tx.ListMessagesForGroup(g.ID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				elements = append(elements, messageElement(m))
			}
		}

		consent, err := tx.ListConsent()
		if err != nil {
			return err
		}
		for _, c := range consent {
			elements = append(elements, consentElement(c))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return EncodeArchive(elements), nil
}

func groupElement(g *types.Group) *wire.BackupElementV1 {
	bg := &wire.BackupGroupV1{
		ID:               g.ID,
		CreatedAtNS:      g.CreatedAtNS,
		ConversationType: string(g.ConversationType),
		AddedByInboxID:   g.AddedByInboxID,
	}
	if g.DMID != nil {
		bg.DMID, bg.HasDMID = *g.DMID, true
	}
	return &wire.BackupElementV1{Kind: wire.BackupElementGroup, Group: bg}
}

func messageElement(m *types.StoredGroupMessage) *wire.BackupElementV1 {
	return &wire.BackupElementV1{
		Kind: wire.BackupElementGroupMessage,
		GroupMessage: &wire.BackupGroupMessageV1{
			ID:                    m.ID[:],
			GroupID:               m.GroupID,
			DecryptedMessageBytes: m.DecryptedMessageBytes,
			SentAtNS:              m.SentAtNS,
			Kind:                  string(m.Kind),
			SenderInboxID:         m.SenderInboxID,
			SequenceID:            m.SequenceID,
			OriginatorID:          m.OriginatorID,
		},
	}
}

func consentElement(c *types.ConsentRecord) *wire.BackupElementV1 {
	return &wire.BackupElementV1{
		Kind: wire.BackupElementConsent,
		Consent: &wire.BackupConsentV1{
			Entity:      c.Entity,
			EntityType:  string(c.EntityType),
			State:       string(c.State),
			UpdatedAtNS: c.UpdatedAtNS,
		},
	}
}

// ImportArchive decodes a plaintext archive and writes its Group,
// GroupMessage, and Consent elements into store. BackupEventV1
// elements have no corresponding local table (this engine keeps no
// durable event log) and are skipped.
func ImportArchive(store storage.Store, archiveBytes []byte) error {
	elements, err := DecodeArchive(archiveBytes)
	if err != nil {
		return err
	}

	return store.Transact(func(tx storage.Tx) error {
		for _, e := range elements {
			switch e.Kind {
			case wire.BackupElementMetadata:
				// Informational only; nothing to persist.
			case wire.BackupElementGroup:
				if err := importGroup(tx, e.Group); err != nil {
					return err
				}
			case wire.BackupElementGroupMessage:
				if err := importMessage(tx, e.GroupMessage); err != nil {
					return err
				}
			case wire.BackupElementConsent:
				if err := importConsent(tx, e.Consent); err != nil {
					return err
				}
			case wire.BackupElementEvent:
				// No durable event log to import into.
			}
		}
		return nil
	})
}

func importGroup(tx storage.Tx, bg *wire.BackupGroupV1) error {
	g := &types.Group{
		ID:               bg.ID,
		CreatedAtNS:      bg.CreatedAtNS,
		MembershipState:  types.MembershipRestored,
		ConversationType: types.ConversationType(bg.ConversationType),
		AddedByInboxID:   bg.AddedByInboxID,
	}
	if bg.HasDMID {
		dmID := bg.DMID
		g.DMID = &dmID
	}
	return tx.PutGroup(g)
}

func importMessage(tx storage.Tx, bm *wire.BackupGroupMessageV1) error {
	var id [32]byte
	copy(id[:], bm.ID)
	return tx.PutMessage(&types.StoredGroupMessage{
		ID:                    id,
		GroupID:               bm.GroupID,
		DecryptedMessageBytes: bm.DecryptedMessageBytes,
		SentAtNS:              bm.SentAtNS,
		Kind:                  types.MessageKind(bm.Kind),
		SenderInboxID:         bm.SenderInboxID,
		DeliveryStatus:        types.DeliveryPublished,
		SequenceID:            bm.SequenceID,
		OriginatorID:          bm.OriginatorID,
		InsertedAtNS:          types.NowNS(),
	})
}

func importConsent(tx storage.Tx, bc *wire.BackupConsentV1) error {
	return tx.PutConsent(&types.ConsentRecord{
		Entity:      bc.Entity,
		EntityType:  types.ConsentEntityType(bc.EntityType),
		State:       types.ConsentState(bc.State),
		UpdatedAtNS: bc.UpdatedAtNS,
	})
}
