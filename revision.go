package revdb

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Origin tags who authored a revision. Undo/redo revisions are ordinary
// operations; the tag matters for undo-stack bookkeeping and notifications.
type Origin uint8

const (
	OriginLocal  Origin = 0
	OriginRemote Origin = 1
	OriginUndo   Origin = 2
	OriginRedo   Origin = 3
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginUndo:
		return "undo"
	case OriginRedo:
		return "redo"
	default:
		return fmt.Sprintf("invalid origin %d", uint8(o))
	}
}

// OpKind identifies the payload type of a revision. The numeric values are
// persisted and must stay stable.
type OpKind uint8

const (
	OpInsertField   OpKind = 1
	OpUpdateField   OpKind = 2
	OpDeleteField   OpKind = 3
	OpReorderField  OpKind = 4
	OpInsertRow     OpKind = 5
	OpUpdateCells   OpKind = 6
	OpDeleteRow     OpKind = 7
	OpMoveRow       OpKind = 8
	OpConfigureView OpKind = 9
	OpDeleteView    OpKind = 10
	OpRenormalize   OpKind = 11
)

func (k OpKind) String() string {
	switch k {
	case OpInsertField:
		return "insertField"
	case OpUpdateField:
		return "updateField"
	case OpDeleteField:
		return "deleteField"
	case OpReorderField:
		return "reorderField"
	case OpInsertRow:
		return "insertRow"
	case OpUpdateCells:
		return "updateCells"
	case OpDeleteRow:
		return "deleteRow"
	case OpMoveRow:
		return "moveRow"
	case OpConfigureView:
		return "configureView"
	case OpDeleteView:
		return "deleteView"
	case OpRenormalize:
		return "renormalizePositions"
	default:
		return fmt.Sprintf("invalid op kind %d", uint8(k))
	}
}

// Op is one operation payload. Implementations are the *Op structs below and
// nothing else; the merge engine switches over all of them exhaustively.
type Op interface {
	OpKind() OpKind
}

// FieldPatch is a partial field update: only attributes with non-nil pointers
// change.
type FieldPatch struct {
	Name    *string         `msgpack:"n,omitempty"`
	Type    *FieldType      `msgpack:"t,omitempty"`
	Options *[]SelectOption `msgpack:"o,omitempty"`
	Hidden  *bool           `msgpack:"h,omitempty"`
}

func (p FieldPatch) isZero() bool {
	return p.Name == nil && p.Type == nil && p.Options == nil && p.Hidden == nil
}

type (
	InsertFieldOp struct {
		Field *Field `msgpack:"f"`
		At    int    `msgpack:"a"` // ordinal; out of range appends
	}

	UpdateFieldOp struct {
		FieldID    string `msgpack:"f"`
		FieldPatch `msgpack:",inline"`
	}

	DeleteFieldOp struct {
		FieldID string `msgpack:"f"`
		At      int    `msgpack:"a"` // advisory ordinal for merge index math
	}

	ReorderFieldOp struct {
		FieldID string `msgpack:"f"`
		From    int    `msgpack:"x"`
		To      int    `msgpack:"t"`
	}

	// InsertRowOp carries the fully formed row including its position token.
	// AfterID names the intended predecessor ("" = head) so the merge engine
	// can re-anchor the insert when concurrent operations moved positions.
	InsertRowOp struct {
		Row     *Row   `msgpack:"r"`
		AfterID string `msgpack:"a,omitempty"`
	}

	// UpdateCellsOp sets cell values on one row. An empty Value clears the
	// cell.
	UpdateCellsOp struct {
		RowID string           `msgpack:"r"`
		Cells map[string]Value `msgpack:"c"`
	}

	DeleteRowOp struct {
		RowID string `msgpack:"r"`
	}

	MoveRowOp struct {
		RowID   string `msgpack:"r"`
		Pos     string `msgpack:"p"`
		AfterID string `msgpack:"a,omitempty"`
	}

	// ConfigureViewOp replaces the full settings of a view, creating the view
	// on first use of its id and reviving it after a concurrent deletion.
	ConfigureViewOp struct {
		View *ViewConfig `msgpack:"v"`
	}

	DeleteViewOp struct {
		ViewID string `msgpack:"v"`
	}

	// RenormalizeOp reassigns position tokens (row id to new token),
	// preserving order. A maintenance operation, never on the hot edit path.
	RenormalizeOp struct {
		Pos map[string]string `msgpack:"p"`
	}
)

func (*InsertFieldOp) OpKind() OpKind   { return OpInsertField }
func (*UpdateFieldOp) OpKind() OpKind   { return OpUpdateField }
func (*DeleteFieldOp) OpKind() OpKind   { return OpDeleteField }
func (*ReorderFieldOp) OpKind() OpKind  { return OpReorderField }
func (*InsertRowOp) OpKind() OpKind     { return OpInsertRow }
func (*UpdateCellsOp) OpKind() OpKind   { return OpUpdateCells }
func (*DeleteRowOp) OpKind() OpKind     { return OpDeleteRow }
func (*MoveRowOp) OpKind() OpKind       { return OpMoveRow }
func (*ConfigureViewOp) OpKind() OpKind { return OpConfigureView }
func (*DeleteViewOp) OpKind() OpKind    { return OpDeleteView }
func (*RenormalizeOp) OpKind() OpKind   { return OpRenormalize }

func newOp(kind OpKind) (Op, error) {
	switch kind {
	case OpInsertField:
		return &InsertFieldOp{}, nil
	case OpUpdateField:
		return &UpdateFieldOp{}, nil
	case OpDeleteField:
		return &DeleteFieldOp{}, nil
	case OpReorderField:
		return &ReorderFieldOp{}, nil
	case OpInsertRow:
		return &InsertRowOp{}, nil
	case OpUpdateCells:
		return &UpdateCellsOp{}, nil
	case OpDeleteRow:
		return &DeleteRowOp{}, nil
	case OpMoveRow:
		return &MoveRowOp{}, nil
	case OpConfigureView:
		return &ConfigureViewOp{}, nil
	case OpDeleteView:
		return &DeleteViewOp{}, nil
	case OpRenormalize:
		return &RenormalizeOp{}, nil
	default:
		return nil, fmt.Errorf("invalid op kind %d", uint8(kind))
	}
}

// Revision is one atomic, ordered operation against a database. Seq is
// assigned at commit time, strictly increasing and gap-free per database.
// Base is the tail sequence the author saw when forming the operation.
type Revision struct {
	DB     string
	Seq    uint64
	Base   uint64
	Origin Origin
	Time   int64 // Unix seconds
	Op     Op
}

// revisionEnvelope is the persisted form of a Revision: fixed metadata plus
// the msgpack-encoded op payload tagged with its kind.
type revisionEnvelope struct {
	DB      string             `msgpack:"d"`
	Seq     uint64             `msgpack:"s"`
	Base    uint64             `msgpack:"b"`
	Origin  Origin             `msgpack:"o"`
	Time    int64              `msgpack:"t"`
	Kind    OpKind             `msgpack:"k"`
	Payload msgpack.RawMessage `msgpack:"p"`
}

// EncodeRevision serializes a revision for persistence.
func EncodeRevision(rev *Revision) ([]byte, error) {
	payload, err := encodeMsgpack(rev.Op)
	if err != nil {
		return nil, fmt.Errorf("encoding %v op: %w", rev.Op.OpKind(), err)
	}
	return encodeMsgpack(&revisionEnvelope{
		DB:      rev.DB,
		Seq:     rev.Seq,
		Base:    rev.Base,
		Origin:  rev.Origin,
		Time:    rev.Time,
		Kind:    rev.Op.OpKind(),
		Payload: payload,
	})
}

// DecodeRevision deserializes a persisted revision.
func DecodeRevision(data []byte) (*Revision, error) {
	var env revisionEnvelope
	if err := decodeMsgpack(data, &env); err != nil {
		return nil, fmt.Errorf("decoding revision envelope: %w", err)
	}
	op, err := newOp(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := decodeMsgpack(env.Payload, op); err != nil {
		return nil, fmt.Errorf("decoding %v op: %w", env.Kind, err)
	}
	return &Revision{
		DB:     env.DB,
		Seq:    env.Seq,
		Base:   env.Base,
		Origin: env.Origin,
		Time:   env.Time,
		Op:     op,
	}, nil
}

func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(data []byte, v any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	return err
}
