package mail

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"crewline/internal/domain"
)

// Archived payloads are deterministic CBOR compressed with zstd. The
// digest is taken over the CBOR bytes, so the same message always
// archives to the same digest.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mail: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("mail: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("mail: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("mail: zstd decoder initialization failed: " + err.Error())
	}
}

// archivedRecord is the archived wire shape. Field keys are short and
// fixed; renaming one breaks reading older archives.
type archivedRecord struct {
	ID         string `cbor:"id"`
	Seq        int64  `cbor:"seq"`
	ProjectID  string `cbor:"project"`
	ThreadID   string `cbor:"thread"`
	From       string `cbor:"from"`
	To         string `cbor:"to"`
	Subject    string `cbor:"subject,omitempty"`
	Body       string `cbor:"body"`
	Importance string `cbor:"importance"`
	Status     string `cbor:"status"`
	AssignedTo string `cbor:"assigned_to,omitempty"`
	TaskID     string `cbor:"task,omitempty"`
	CreatedAt  string `cbor:"created_at"`
	UpdatedAt  string `cbor:"updated_at"`
}

func encodeArchived(m domain.Message) (payload []byte, digest string, err error) {
	raw, err := encMode.Marshal(archivedRecord{
		ID: m.ID, Seq: m.Seq, ProjectID: m.ProjectID, ThreadID: m.ThreadID,
		From: m.From, To: m.To, Subject: m.Subject, Body: m.Body,
		Importance: string(m.Importance), Status: string(m.Status),
		AssignedTo: m.AssignedTo, TaskID: m.TaskID,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode archived message %s: %w", m.ID, err)
	}
	sum := blake3.Sum256(raw)
	return zstdEncoder.EncodeAll(raw, nil), hex.EncodeToString(sum[:]), nil
}

func decodeArchived(payload []byte, digest string) (domain.Message, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("decompress archived message: %w", err)
	}
	sum := blake3.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != digest {
		return domain.Message{}, fmt.Errorf("archived message digest mismatch: stored %s, computed %s", digest, got)
	}
	var rec archivedRecord
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return domain.Message{}, fmt.Errorf("decode archived message: %w", err)
	}
	return domain.Message{
		ID: rec.ID, Seq: rec.Seq, ProjectID: rec.ProjectID, ThreadID: rec.ThreadID,
		From: rec.From, To: rec.To, Subject: rec.Subject, Body: rec.Body,
		Importance: domain.Importance(rec.Importance), Status: domain.MessageStatus(rec.Status),
		AssignedTo: rec.AssignedTo, TaskID: rec.TaskID,
		CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
	}, nil
}
